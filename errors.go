package main

import (
	"errors"
	"fmt"
)

//ParameterError 参数错误, 非法或互斥的配置, 渲染开始前检出
type ParameterError struct {
	Param  string
	Detail string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Detail)
}

//ErrAppendMetadataMissing append模式要求库内已有bounds元数据
var ErrAppendMetadataMissing = errors.New("append requested but archive has no bounds metadata")

//SourceOpenError worker打开源影像失败, 整个任务终止
type SourceOpenError struct {
	Path string
	Err  error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source raster %s: %s", e.Path, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

//RenderError 单瓦片重投影或编码失败, 同样整体终止:
//部分写出的瓦片库看似完整实则缺数据
type RenderError struct {
	Z, X, Y int
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render tile %d/%d/%d: %s", e.Z, e.X, e.Y, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

//CutlineGeometryError cutline要素不是(多)多边形
type CutlineGeometryError struct {
	Geometry string
}

func (e *CutlineGeometryError) Error() string {
	return fmt.Sprintf("cutline must be Polygon or MultiPolygon, got %s", e.Geometry)
}

//ErrBrokenTransform 瓦片范围换算到源坐标系数值无效
var ErrBrokenTransform = errors.New("bounds transform to source crs is numerically invalid")

package main

import (
	"github.com/paulmach/orb"
)

//RasterEngine 栅格引擎入口, 生产实现见gdal.go
type RasterEngine interface {
	//Open 打开源影像, 每个worker各开一份句柄
	Open(path string, options map[string]string) (RasterSource, error)
}

//Window 源影像像素窗口
type Window struct {
	ColOff int
	RowOff int
	Width  int
	Height int
}

//Pad 四边各扩pixels个像素
func (w Window) Pad(pixels int) Window {
	return Window{
		ColOff: w.ColOff - pixels,
		RowOff: w.RowOff - pixels,
		Width:  w.Width + 2*pixels,
		Height: w.Height + 2*pixels,
	}
}

//WarpParams 单瓦片重投影参数
type WarpParams struct {
	//Transform 目标仿射变换, gdal六参数次序
	Transform [6]float64
	Width     int
	Height    int
	Bands     int
	DType     string
	SrcNoData *float64
	DstNoData *float64
	//Resampling 重采样方法名: nearest/bilinear/cubic...
	Resampling string
	//CutlineWKT 源影像像素坐标系下的裁切多边形, 空则不裁
	CutlineWKT string
	//WarpOptions 透传给warp引擎的选项, 如NUM_THREADS
	WarpOptions map[string]string
}

//RasterSource 已打开的源影像, 单worker独占, 不跨worker共享
type RasterSource interface {
	//GeoBounds 源范围重投影到地理坐标(度)
	GeoBounds() (GeoBounds, error)
	Size() (width, height int)
	Bands() int
	//NoData 源元数据内的nodata, 无则nil
	NoData() *float64
	//NativeBounds web mercator范围换算到源坐标系,
	//数值无效时返回ErrBrokenTransform
	NativeBounds(merc orb.Bound) (orb.Bound, error)
	//WindowFor 源坐标系范围对应的像素窗口(按源仿射变换取整)
	WindowFor(native orb.Bound) Window
	//HasData 第一波段在窗口内是否存在有效像素
	HasData(w Window) (bool, error)
	//Warp 重投影到内存目标影像
	Warp(p WarpParams) (TileImage, error)
	//PixelCutline 地理坐标多边形换算到源像素坐标系, 输出WKT
	PixelCutline(g orb.Geometry) (string, error)
	Close() error
}

//TileImage warp产出的内存目标影像, 编码前还可追加alpha波段
type TileImage interface {
	//ValidityMask 自身有效像素掩膜, 每像素一字节(0或255)
	ValidityMask() ([]byte, error)
	//AppendBand 追加一个波段(alpha合成用)
	AppendBand(data []byte) error
	//Encode 按驱动名编码出字节流
	Encode(driver string, creationOptions map[string]string) ([]byte, error)
	Close() error
}

package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

//resolveBounds 计算导出地理范围: 默认取源影像范围,
//提供cutline时改用cutline各要素范围的并集
func resolveBounds(src RasterSource, cutline orb.Collection) (GeoBounds, error) {
	if len(cutline) > 0 {
		bound := cutline[0].Bound()
		for _, g := range cutline[1:] {
			bound = bound.Union(g.Bound())
		}
		return boundsFromOrb(bound), nil
	}
	return src.GeoBounds()
}

//resolveZoom 解析"MIN..MAX"级别覆盖, 缺省按数据集约占一张瓦片的级别推算,
//非正方形数据沿宽高两个方向不对称扩展
func resolveZoom(b GeoBounds, override string) (minzoom, maxzoom int, err error) {
	if override != "" {
		parts := strings.Split(override, "..")
		if len(parts) != 2 {
			return 0, 0, &ParameterError{Param: "zoom-levels", Detail: fmt.Sprintf("expect MIN..MAX, got %q", override)}
		}
		minzoom, err = strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, &ParameterError{Param: "zoom-levels", Detail: err.Error()}
		}
		maxzoom, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, &ParameterError{Param: "zoom-levels", Detail: err.Error()}
		}
		if minzoom < ZoomMin || maxzoom > ZoomMax || minzoom > maxzoom {
			return 0, 0, &ParameterError{Param: "zoom-levels", Detail: fmt.Sprintf("range %d..%d out of [%d,%d]", minzoom, maxzoom, ZoomMin, ZoomMax)}
		}
		return minzoom, maxzoom, nil
	}

	// 四舍六入五成双
	zw := int(math.RoundToEven(math.Log2(360.0 / (b.East - b.West))))
	zh := int(math.RoundToEven(math.Log2(170.1022 / (b.North - b.South))))
	minzoom = zw
	maxzoom = zh
	if zh < zw {
		minzoom, maxzoom = zh, zw
	}
	if minzoom < ZoomMin {
		minzoom = ZoomMin
	}
	if maxzoom > ZoomMax {
		maxzoom = ZoomMax
	}
	return minzoom, maxzoom, nil
}

//validateNodata 指定了目标nodata则必须能解析出源nodata(覆盖或元数据)
func validateNodata(dstNodata, srcNodata, metaNodata *float64) error {
	if dstNodata != nil && srcNodata == nil && metaNodata == nil {
		return &ParameterError{
			Param:  "src-nodata",
			Detail: "must be provided because dst-nodata is set and source has no nodata metadata",
		}
	}
	return nil
}

//resolveSrcNodata 源nodata取值次序: 命令行覆盖 > 源元数据
func resolveSrcNodata(override, meta *float64) *float64 {
	if override != nil {
		return override
	}
	return meta
}

//quadkeyBounds 四叉树键定位单张瓦片, 返回其地理范围.
//键为0-3数字串, 长度即级别
func quadkeyBounds(key string) (GeoBounds, error) {
	if len(key) == 0 || len(key) > ZoomMax {
		return GeoBounds{}, &ParameterError{Param: "covers", Detail: fmt.Sprintf("quadkey %q length out of [1,%d]", key, ZoomMax)}
	}
	k, err := strconv.ParseUint(key, 4, 64)
	if err != nil {
		return GeoBounds{}, &ParameterError{Param: "covers", Detail: fmt.Sprintf("malformed quadkey %q", key)}
	}
	t := maptile.FromQuadkey(k, maptile.Zoom(len(key)))
	return boundsFromOrb(t.Bound()), nil
}

//checkCutline 仅接受(多)多边形要素
func checkCutline(c orb.Collection) error {
	for _, g := range c {
		switch g.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return &CutlineGeometryError{Geometry: g.GeoJSONType()}
		}
	}
	return nil
}

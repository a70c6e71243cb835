package main

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

//TileSize 默认瓦片大小
const TileSize = 256

//ZoomMin 最小级别
const ZoomMin = 0

//ZoomMax 最大级别
const ZoomMax = 22

//MercatorLatLimit web mercator的纬度极限
const MercatorLatLimit = 85.051129

//LonEpsilon 经度收缩量, 避免±180°落在下一列瓦片
const LonEpsilon = 1.0e-10

//Tile 自定义瓦片存储
type Tile struct {
	T maptile.Tile
	C []byte
}

// flipY mbtiles行号与xyz行号上下翻转
func (tile Tile) flipY() uint32 {
	return (1 << uint32(tile.T.Z)) - tile.T.Y - 1
}

//Empty 空瓦片(无有效像素, 不入库)
func (tile Tile) Empty() bool {
	return tile.C == nil
}

//MercBound 瓦片的web mercator范围(左上/右下角点投影)
func MercBound(t maptile.Tile) orb.Bound {
	b := t.Bound()
	ul := project.WGS84.ToMercator(orb.Point{b.Left(), b.Top()})
	lr := project.WGS84.ToMercator(orb.Point{b.Right(), b.Bottom()})
	return orb.Bound{Min: orb.Point{ul.X(), lr.Y()}, Max: orb.Point{lr.X(), ul.Y()}}
}

//GeoBounds 地理范围(度)
type GeoBounds struct {
	West  float64
	South float64
	East  float64
	North float64
}

//Clamped 收缩到web mercator有效范围
func (b GeoBounds) Clamped() GeoBounds {
	return GeoBounds{
		West:  math.Max(-180+LonEpsilon, b.West),
		South: math.Max(-MercatorLatLimit, b.South),
		East:  math.Min(180-LonEpsilon, b.East),
		North: math.Min(MercatorLatLimit, b.North),
	}
}

//Union 分量最值合并
func (b GeoBounds) Union(o GeoBounds) GeoBounds {
	return GeoBounds{
		West:  math.Min(b.West, o.West),
		South: math.Min(b.South, o.South),
		East:  math.Max(b.East, o.East),
		North: math.Max(b.North, o.North),
	}
}

func (b GeoBounds) String() string {
	return fmt.Sprintf("%f,%f,%f,%f", b.West, b.South, b.East, b.North)
}

func boundsFromOrb(b orb.Bound) GeoBounds {
	return GeoBounds{West: b.Left(), South: b.Bottom(), East: b.Right(), North: b.Top()}
}

//RasterProfile 目标瓦片影像参数
type RasterProfile struct {
	Driver string //输出编码驱动: PNG/JPEG/WEBP
	DType  string
	NoData float64
	Width  int
	Height int
	Count  int
	CRS    string
}

//TilesCRS 输出瓦片坐标系
const TilesCRS = "EPSG:3857"

// Constants representing TileFormat types
const (
	PNG  string = "png"
	JPG         = "jpg"
	WEBP        = "webp"
)

//formatExt 驱动名转文件扩展名, mbtiles元数据format项用
func formatExt(driver string) string {
	if driver == "JPEG" {
		return JPG
	}
	if driver == "WEBP" {
		return WEBP
	}
	return PNG
}

package main

import (
	"fmt"
	"io/ioutil"
	"math"
	"sync/atomic"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/project"
)

//resamplingAlias cli重采样名到gdalwarp -r参数的映射
var resamplingAlias = map[string]string{
	"nearest":      "near",
	"bilinear":     "bilinear",
	"cubic":        "cubic",
	"cubic_spline": "cubicspline",
	"lanczos":      "lanczos",
	"average":      "average",
	"mode":         "mode",
	"max":          "max",
	"min":          "min",
	"med":          "med",
	"q1":           "q1",
	"q3":           "q3",
}

//ValidResampling 重采样方法名是否可用
func ValidResampling(name string) bool {
	_, ok := resamplingAlias[name]
	return ok
}

//GDALEngine godal后端的栅格引擎
type GDALEngine struct{}

//NewGDALEngine 注册gdal驱动并返回引擎
func NewGDALEngine() *GDALEngine {
	godal.RegisterAll()
	return &GDALEngine{}
}

//Open 打开源影像并预建坐标转换
func (e *GDALEngine) Open(path string, options map[string]string) (RasterSource, error) {
	var opts []godal.OpenOption
	if len(options) > 0 {
		var kvs []string
		for k, v := range options {
			kvs = append(kvs, k+"="+v)
		}
		opts = append(opts, godal.DriverOpenOption(kvs...))
	}
	ds, err := godal.Open(path, opts...)
	if err != nil {
		return nil, err
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, err
	}

	src := &gdalSource{ds: ds, gt: gt}

	src.mercSR, err = godal.NewSpatialRefFromEPSG(3857)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.wgs84SR, err = godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		src.Close()
		return nil, err
	}
	srcSR := ds.SpatialRef()
	src.mercToSrc, err = godal.NewTransform(src.mercSR, srcSR)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.wgs84ToSrc, err = godal.NewTransform(src.wgs84SR, srcSR)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.srcToWGS84, err = godal.NewTransform(srcSR, src.wgs84SR)
	if err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

type gdalSource struct {
	ds *godal.Dataset
	gt [6]float64

	mercSR     *godal.SpatialRef
	wgs84SR    *godal.SpatialRef
	mercToSrc  *godal.Transform
	wgs84ToSrc *godal.Transform
	srcToWGS84 *godal.Transform
}

func (s *gdalSource) Size() (int, int) {
	st := s.ds.Structure()
	return st.SizeX, st.SizeY
}

func (s *gdalSource) Bands() int {
	return len(s.ds.Bands())
}

func (s *gdalSource) NoData() *float64 {
	bands := s.ds.Bands()
	if len(bands) == 0 {
		return nil
	}
	if v, ok := bands[0].NoData(); ok {
		return &v
	}
	return nil
}

//nativeBound 源影像在自身坐标系下的范围(仿射变换推算)
func (s *gdalSource) nativeBound() orb.Bound {
	w, h := s.Size()
	x0, y0 := s.gt[0], s.gt[3]
	x1 := s.gt[0] + s.gt[1]*float64(w)
	y1 := s.gt[3] + s.gt[5]*float64(h)
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

//transformBound 范围四角点换算后取包络
func transformBound(trn *godal.Transform, b orb.Bound) (orb.Bound, error) {
	xs := []float64{b.Left(), b.Left(), b.Right(), b.Right()}
	ys := []float64{b.Bottom(), b.Top(), b.Bottom(), b.Top()}
	ok := make([]bool, 4)
	if err := trn.TransformEx(xs, ys, nil, ok); err != nil {
		return orb.Bound{}, ErrBrokenTransform
	}
	out := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for i := range xs {
		if !ok[i] || math.IsNaN(xs[i]) || math.IsNaN(ys[i]) || math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			return orb.Bound{}, ErrBrokenTransform
		}
		out = out.Extend(orb.Point{xs[i], ys[i]})
	}
	return out, nil
}

func (s *gdalSource) GeoBounds() (GeoBounds, error) {
	b, err := transformBound(s.srcToWGS84, s.nativeBound())
	if err != nil {
		return GeoBounds{}, err
	}
	return boundsFromOrb(b), nil
}

func (s *gdalSource) NativeBounds(merc orb.Bound) (orb.Bound, error) {
	return transformBound(s.mercToSrc, merc)
}

//WindowFor 偏移向下取整, 尺寸向上取整
func (s *gdalSource) WindowFor(native orb.Bound) Window {
	c0 := (native.Left() - s.gt[0]) / s.gt[1]
	c1 := (native.Right() - s.gt[0]) / s.gt[1]
	r0 := (native.Top() - s.gt[3]) / s.gt[5]
	r1 := (native.Bottom() - s.gt[3]) / s.gt[5]
	colOff := math.Floor(math.Min(c0, c1))
	rowOff := math.Floor(math.Min(r0, r1))
	return Window{
		ColOff: int(colOff),
		RowOff: int(rowOff),
		Width:  int(math.Ceil(math.Max(c0, c1) - colOff)),
		Height: int(math.Ceil(math.Max(r0, r1) - rowOff)),
	}
}

//HasData 按Byte读取首波段窗口与nodata比对, 低级别整窗探测不放大内存;
//无nodata定义时一律视为有效
func (s *gdalSource) HasData(w Window) (bool, error) {
	width, height := s.Size()
	// 收缩到源影像范围
	if w.ColOff < 0 {
		w.Width += w.ColOff
		w.ColOff = 0
	}
	if w.RowOff < 0 {
		w.Height += w.RowOff
		w.RowOff = 0
	}
	if w.ColOff+w.Width > width {
		w.Width = width - w.ColOff
	}
	if w.RowOff+w.Height > height {
		w.Height = height - w.RowOff
	}
	if w.Width <= 0 || w.Height <= 0 {
		return false, nil
	}
	nodata := s.NoData()
	if nodata == nil {
		return true, nil
	}
	buf := make([]byte, w.Width*w.Height)
	band := s.ds.Bands()[0]
	if err := band.Read(w.ColOff, w.RowOff, buf, w.Width, w.Height); err != nil {
		return false, err
	}
	nd := *nodata
	for _, v := range buf {
		if float64(v) != nd {
			return true, nil
		}
	}
	return false, nil
}

//PixelCutline 地理多边形→源坐标系→像素坐标, 输出WKT给warp引擎
func (s *gdalSource) PixelCutline(g orb.Geometry) (string, error) {
	var terr error
	native := project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		xs := []float64{p.X()}
		ys := []float64{p.Y()}
		ok := make([]bool, 1)
		if err := s.wgs84ToSrc.TransformEx(xs, ys, nil, ok); err != nil {
			terr = err
			return p
		}
		return orb.Point{xs[0], ys[0]}
	})
	if terr != nil {
		return "", terr
	}
	pixel := project.Geometry(native, func(p orb.Point) orb.Point {
		return orb.Point{
			(p.X() - s.gt[0]) / s.gt[1],
			(p.Y() - s.gt[3]) / s.gt[5],
		}
	})
	return wkt.MarshalString(pixel), nil
}

var vsimemSeq uint64

//Warp 建内存目标影像并调用warp引擎重投影
func (s *gdalSource) Warp(p WarpParams) (TileImage, error) {
	dst, err := newMemDataset(p.Width, p.Height, p.Bands, p.Transform, p.DstNoData)
	if err != nil {
		return nil, err
	}

	switches := []string{"-r", resamplingAlias[p.Resampling]}
	if p.SrcNoData != nil {
		switches = append(switches, "-srcnodata", fmt.Sprintf("%g", *p.SrcNoData))
	}
	if p.DstNoData != nil {
		switches = append(switches, "-dstnodata", fmt.Sprintf("%g", *p.DstNoData))
	}
	if p.CutlineWKT != "" {
		switches = append(switches, "-wo", "CUTLINE="+p.CutlineWKT)
	}
	if _, ok := p.WarpOptions["NUM_THREADS"]; !ok {
		switches = append(switches, "-wo", "NUM_THREADS=2")
	}
	for k, v := range p.WarpOptions {
		switches = append(switches, "-wo", k+"="+v)
	}

	if err := dst.ds.WarpInto([]*godal.Dataset{s.ds}, switches); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

func (s *gdalSource) Close() error {
	for _, trn := range []*godal.Transform{s.mercToSrc, s.wgs84ToSrc, s.srcToWGS84} {
		if trn != nil {
			trn.Close()
		}
	}
	for _, sr := range []*godal.SpatialRef{s.mercSR, s.wgs84SR} {
		if sr != nil {
			sr.Close()
		}
	}
	return s.ds.Close()
}

//gdalImage warp产出的内存瓦片影像
type gdalImage struct {
	ds     *godal.Dataset
	width  int
	height int
	nodata float64
}

func newMemDataset(width, height, bands int, gt [6]float64, dstNodata *float64) (*gdalImage, error) {
	ds, err := godal.Create(godal.Memory, "", bands, godal.Byte, width, height)
	if err != nil {
		return nil, err
	}
	nodata := 0.0
	if dstNodata != nil {
		nodata = *dstNodata
	}
	if err := ds.SetGeoTransform(gt); err != nil {
		ds.Close()
		return nil, err
	}
	sr, err := godal.NewSpatialRefFromEPSG(3857)
	if err != nil {
		ds.Close()
		return nil, err
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		ds.Close()
		return nil, err
	}
	for _, band := range ds.Bands() {
		if err := band.SetNoData(nodata); err != nil {
			ds.Close()
			return nil, err
		}
	}
	return &gdalImage{ds: ds, width: width, height: height, nodata: nodata}, nil
}

//ValidityMask 任一波段非nodata即有效, 每像素0或255
func (g *gdalImage) ValidityMask() ([]byte, error) {
	mask := make([]byte, g.width*g.height)
	buf := make([]byte, g.width*g.height)
	for _, band := range g.ds.Bands() {
		if err := band.Read(0, 0, buf, g.width, g.height); err != nil {
			return nil, err
		}
		for i, v := range buf {
			if float64(v) != g.nodata {
				mask[i] = 255
			}
		}
	}
	return mask, nil
}

//AppendBand MEM驱动不支持原位加波段, 重建一份多一个波段的影像
func (g *gdalImage) AppendBand(data []byte) error {
	gt, err := g.ds.GeoTransform()
	if err != nil {
		return err
	}
	bands := g.ds.Bands()
	next, err := newMemDataset(g.width, g.height, len(bands)+1, gt, &g.nodata)
	if err != nil {
		return err
	}
	buf := make([]byte, g.width*g.height)
	for i, band := range bands {
		if err := band.Read(0, 0, buf, g.width, g.height); err != nil {
			next.Close()
			return err
		}
		if err := next.ds.Bands()[i].Write(0, 0, buf, g.width, g.height); err != nil {
			next.Close()
			return err
		}
	}
	if err := next.ds.Bands()[len(bands)].Write(0, 0, data, g.width, g.height); err != nil {
		next.Close()
		return err
	}
	g.ds.Close()
	g.ds = next.ds
	return nil
}

//Encode 经/vsimem走驱动CreateCopy取回编码字节
func (g *gdalImage) Encode(driver string, creationOptions map[string]string) ([]byte, error) {
	name := fmt.Sprintf("/vsimem/rastertiler-%d.%s", atomic.AddUint64(&vsimemSeq, 1), formatExt(driver))
	switches := []string{"-of", driver}
	for k, v := range creationOptions {
		switches = append(switches, "-co", k+"="+v)
	}
	out, err := g.ds.Translate(name, switches)
	if err != nil {
		return nil, err
	}
	out.Close()
	defer godal.VSIUnlink(name)

	f, err := godal.VSIOpen(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ioutil.ReadAll(f)
}

func (g *gdalImage) Close() error {
	return g.ds.Close()
}

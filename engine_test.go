package main

import (
	"bytes"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/project"
)

//fakeEngine 纯内存栅格引擎, 源坐标系按WGS84处理
type fakeEngine struct {
	bounds  GeoBounds
	bands   int
	nodata  *float64
	empty   bool
	broken  bool
	openErr error
	warpErr error
	warpOK  int64 //warpErr生效前允许成功的渲染次数
	opens   int64
	closes  int64
	warps   int64
}

func newFakeEngine(b GeoBounds) *fakeEngine {
	return &fakeEngine{bounds: b, bands: 3}
}

func (e *fakeEngine) Open(path string, options map[string]string) (RasterSource, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	atomic.AddInt64(&e.opens, 1)
	return &fakeSource{e: e}, nil
}

type fakeSource struct {
	e *fakeEngine
}

const fakeSize = 1024

func (s *fakeSource) GeoBounds() (GeoBounds, error) { return s.e.bounds, nil }
func (s *fakeSource) Size() (int, int)              { return fakeSize, fakeSize }
func (s *fakeSource) Bands() int                    { return s.e.bands }
func (s *fakeSource) NoData() *float64              { return s.e.nodata }

func (s *fakeSource) NativeBounds(merc orb.Bound) (orb.Bound, error) {
	if s.e.broken {
		return orb.Bound{}, ErrBrokenTransform
	}
	return orb.Bound{
		Min: project.Mercator.ToWGS84(merc.Min),
		Max: project.Mercator.ToWGS84(merc.Max),
	}, nil
}

func (s *fakeSource) WindowFor(native orb.Bound) Window {
	b := s.e.bounds
	px := (b.East - b.West) / fakeSize
	py := (b.North - b.South) / fakeSize
	col := math.Floor((native.Left() - b.West) / px)
	row := math.Floor((b.North - native.Top()) / py)
	return Window{
		ColOff: int(col),
		RowOff: int(row),
		Width:  int(math.Ceil((native.Right() - native.Left()) / px)),
		Height: int(math.Ceil((native.Top() - native.Bottom()) / py)),
	}
}

func (s *fakeSource) HasData(w Window) (bool, error) {
	if s.e.empty {
		return false, nil
	}
	return w.ColOff < fakeSize && w.RowOff < fakeSize && w.ColOff+w.Width > 0 && w.RowOff+w.Height > 0, nil
}

func (s *fakeSource) Warp(p WarpParams) (TileImage, error) {
	if s.e.warpErr != nil && atomic.AddInt64(&s.e.warps, 1) > s.e.warpOK {
		return nil, s.e.warpErr
	}
	return &fakeImage{width: p.Width, height: p.Height, bands: p.Bands}, nil
}

func (s *fakeSource) PixelCutline(g orb.Geometry) (string, error) {
	return wkt.MarshalString(g), nil
}

func (s *fakeSource) Close() error {
	atomic.AddInt64(&s.e.closes, 1)
	return nil
}

type fakeImage struct {
	width  int
	height int
	bands  int
	alpha  []byte
}

func (f *fakeImage) ValidityMask() ([]byte, error) {
	mask := make([]byte, f.width*f.height)
	for i := range mask {
		mask[i] = 255
	}
	return mask, nil
}

func (f *fakeImage) AppendBand(data []byte) error {
	f.bands++
	f.alpha = data
	return nil
}

func (f *fakeImage) Encode(driver string, _ map[string]string) ([]byte, error) {
	alphaOK := true
	if f.alpha != nil {
		mask, _ := f.ValidityMask()
		alphaOK = bytes.Equal(f.alpha, mask)
	}
	return []byte(fmt.Sprintf("img driver=%s size=%dx%d bands=%d alphaok=%t",
		driver, f.width, f.height, f.bands, alphaOK)), nil
}

func (f *fakeImage) Close() error { return nil }

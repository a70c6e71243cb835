package main

import (
	"errors"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

//WorkerContext 单worker渲染上下文, 启动时构建一次后只读,
//源句柄随worker存续, 摊薄打开源影像的开销
type WorkerContext struct {
	src                 RasterSource
	profile             RasterProfile
	resampling          string
	srcNodata           *float64
	dstNodata           *float64
	warpOptions         map[string]string
	creationOptions     map[string]string
	cutlineWKT          string
	excludeEmpty        bool
	skipBrokenTransform bool
}

//NewWorkerContext 打开源影像并固化渲染参数, 打开失败整个任务终止
func NewWorkerContext(engine RasterEngine, cfg *ExportConfig) (*WorkerContext, error) {
	src, err := engine.Open(cfg.Input, cfg.OpenOptions)
	if err != nil {
		return nil, &SourceOpenError{Path: cfg.Input, Err: err}
	}
	wc := &WorkerContext{
		src:                 src,
		profile:             cfg.Profile,
		resampling:          cfg.Resampling,
		srcNodata:           resolveSrcNodata(cfg.SrcNodata, src.NoData()),
		dstNodata:           cfg.DstNodata,
		warpOptions:         cfg.WarpOptions,
		creationOptions:     cfg.CreationOptions,
		excludeEmpty:        cfg.ExcludeEmpty,
		skipBrokenTransform: cfg.SkipBrokenTransform,
	}
	if len(cfg.Cutline) > 0 {
		wkt, err := src.PixelCutline(collectionToMultiPolygon(cfg.Cutline))
		if err != nil {
			src.Close()
			return nil, err
		}
		wc.cutlineWKT = wkt
	}
	return wc, nil
}

//Close 释放源句柄
func (wc *WorkerContext) Close() error {
	return wc.src.Close()
}

//transformFromBounds mercator范围映射到瓦片像素的仿射变换
func transformFromBounds(b orb.Bound, width, height int) [6]float64 {
	return [6]float64{
		b.Left(), (b.Right() - b.Left()) / float64(width), 0,
		b.Top(), 0, -(b.Top() - b.Bottom()) / float64(height),
	}
}

//collectionToMultiPolygon cutline要素合并为单个多多边形
func collectionToMultiPolygon(c orb.Collection) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, g := range c {
		switch v := g.(type) {
		case orb.Polygon:
			mp = append(mp, v)
		case orb.MultiPolygon:
			mp = append(mp, v...)
		}
	}
	return mp
}

//RenderTile 渲染单张瓦片, 返回编码字节流; 无有效数据返回nil空哨兵
func (wc *WorkerContext) RenderTile(t Tile) ([]byte, error) {
	merc := MercBound(t.T)

	if wc.excludeEmpty {
		keep, err := wc.windowHasData(merc)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
	}

	p := WarpParams{
		Transform:   transformFromBounds(merc, wc.profile.Width, wc.profile.Height),
		Width:       wc.profile.Width,
		Height:      wc.profile.Height,
		Bands:       wc.profile.Count,
		DType:       wc.profile.DType,
		SrcNoData:   wc.srcNodata,
		DstNoData:   wc.dstNodata,
		Resampling:  wc.resampling,
		CutlineWKT:  wc.cutlineWKT,
		WarpOptions: wc.warpOptions,
	}

	// 请求RGBA而源只有3波段: 先warp3个波段, alpha由目标有效掩膜合成
	synthAlpha := wc.profile.Count == 4 && wc.src.Bands() < 4
	if synthAlpha {
		p.Bands = 3
	}

	img, err := wc.src.Warp(p)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if synthAlpha {
		mask, err := img.ValidityMask()
		if err != nil {
			return nil, err
		}
		if err := img.AppendBand(mask); err != nil {
			return nil, err
		}
	}

	return img.Encode(wc.profile.Driver, wc.creationOptions)
}

//windowHasData 瓦片范围换算回源像素窗口(外扩1像素取整),
//读取首波段掩膜判断是否存在有效数据
func (wc *WorkerContext) windowHasData(merc orb.Bound) (bool, error) {
	native, err := wc.src.NativeBounds(merc)
	if err != nil {
		if errors.Is(err, ErrBrokenTransform) {
			// 源坐标系在该瓦片区域无定义, 直接跳过可能误丢有效数据,
			// 缺省照常渲染
			if wc.skipBrokenTransform {
				log.Debugf("tile %v dropped: %s", merc, err)
				return false, nil
			}
			log.Debugf("tile %v will not be skipped, even if empty", merc)
			return true, nil
		}
		return false, err
	}
	win := wc.src.WindowFor(native).Pad(1)
	return wc.src.HasData(win)
}

package main

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

//Enumerator 枚举本次导出的瓦片集合: 默认按范围求交,
//提供cutline时按多边形四叉树覆盖
type Enumerator struct {
	Bounds  GeoBounds
	Cutline orb.Collection
	Min     int
	Max     int
}

//tileRange 某级别下与范围相交的瓦片行列区间
func tileRange(b GeoBounds, z int) (minx, miny, maxx, maxy uint32) {
	zoom := maptile.Zoom(z)
	// 北边纬度大而瓦片行号小, 左上角点给出区间下界
	ul := maptile.At(orb.Point{b.West, b.North}, zoom)
	lr := maptile.At(orb.Point{b.East, b.South}, zoom)
	return ul.X, ul.Y, lr.X, lr.Y
}

//Count 总瓦片数, 进度条用
func (e *Enumerator) Count() int64 {
	var total int64
	for z := e.Min; z <= e.Max; z++ {
		if len(e.Cutline) > 0 {
			total += tilecover.CollectionCount(e.Cutline, maptile.Zoom(z))
			continue
		}
		minx, miny, maxx, maxy := tileRange(e.Bounds, z)
		total += int64(maxx-minx+1) * int64(maxy-miny+1)
	}
	return total
}

//Tiles 逐级流式产出瓦片坐标, 不保证级内次序, 下游须幂等
func (e *Enumerator) Tiles(buf int, abort <-chan struct{}) <-chan maptile.Tile {
	out := make(chan maptile.Tile, buf)
	go func() {
		defer close(out)
		for z := e.Min; z <= e.Max; z++ {
			if len(e.Cutline) > 0 {
				if !e.burnZoom(z, out, abort) {
					return
				}
				continue
			}
			if !e.walkZoom(z, out, abort) {
				return
			}
		}
	}()
	return out
}

//walkZoom 级别内按行列区间逐个产出
func (e *Enumerator) walkZoom(z int, out chan<- maptile.Tile, abort <-chan struct{}) bool {
	minx, miny, maxx, maxy := tileRange(e.Bounds, z)
	for y := miny; y <= maxy; y++ {
		for x := minx; x <= maxx; x++ {
			select {
			case out <- maptile.Tile{X: x, Y: y, Z: maptile.Zoom(z)}:
			case <-abort:
				return false
			}
		}
	}
	return true
}

//burnZoom cutline四叉树覆盖, 坐标在此处归一为整型瓦片号
func (e *Enumerator) burnZoom(z int, out chan<- maptile.Tile, abort <-chan struct{}) bool {
	burned := make(chan maptile.Tile, cap(out))
	go tilecover.CollectionChannel(e.Cutline, maptile.Zoom(z), burned)
	for t := range burned {
		select {
		case out <- maptile.Tile{X: uint32(t.X), Y: uint32(t.Y), Z: t.Z}:
		case <-abort:
			// 排空生产者避免其阻塞泄漏
			go func() {
				for range burned {
				}
			}()
			return false
		}
	}
	return true
}

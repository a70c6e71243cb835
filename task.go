package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"
)

//batchWindow 在途渲染任务窗口, 限制并发持有的瓦片字节峰值
const batchWindow = 100

//ExportConfig 一次导出任务的全部参数, 管线启动前固化
type ExportConfig struct {
	Input  string
	Output string
	Mode   string //overwrite或append

	Title       string
	Description string
	LayerType   string

	Profile    RasterProfile
	Resampling string
	RGBA       bool

	ZoomOverride string
	MinZoom      int
	MaxZoom      int
	Bounds       GeoBounds

	SrcNodata *float64
	DstNodata *float64

	CutlinePath string
	Cutline     orb.Collection
	Covers      string //四叉树键, 指定后整体替换导出范围

	ImageDump           string
	ExcludeEmpty        bool
	SkipBrokenTransform bool

	Workers   int
	BatchSize int

	OpenOptions     map[string]string
	WarpOptions     map[string]string
	CreationOptions map[string]string
}

//Validate 互斥及非法参数组合检查, 任何渲染开始前执行
func (cfg *ExportConfig) Validate() error {
	if cfg.RGBA && cfg.Profile.Driver == "JPEG" {
		return &ParameterError{Param: "rgba", Detail: "RGBA output is not possible with JPEG format"}
	}
	if err := checkCutline(cfg.Cutline); err != nil {
		return err
	}
	if cfg.Workers < 1 {
		return &ParameterError{Param: "j", Detail: "worker count must be >= 1"}
	}
	return nil
}

//prepareExport 打开源影像读取元数据, 解析范围与级别并校验nodata.
//探测句柄用完即关, worker各自再开
func prepareExport(engine RasterEngine, cfg *ExportConfig) error {
	src, err := engine.Open(cfg.Input, cfg.OpenOptions)
	if err != nil {
		return &SourceOpenError{Path: cfg.Input, Err: err}
	}
	defer src.Close()

	if err := validateNodata(cfg.DstNodata, cfg.SrcNodata, src.NoData()); err != nil {
		return err
	}

	bounds, err := resolveBounds(src, cfg.Cutline)
	if err != nil {
		return err
	}
	if cfg.Covers != "" {
		bounds, err = quadkeyBounds(cfg.Covers)
		if err != nil {
			return err
		}
	}
	cfg.Bounds = bounds.Clamped()

	cfg.MinZoom, cfg.MaxZoom, err = resolveZoom(cfg.Bounds, cfg.ZoomOverride)
	if err != nil {
		return err
	}
	log.Debugf("zoom range: %d..%d, bounds: %s", cfg.MinZoom, cfg.MaxZoom, cfg.Bounds)
	return nil
}

//Task 导出任务
type Task struct {
	ID     string
	Config *ExportConfig
	Total  int64
	Bar    *pb.ProgressBar

	engine RasterEngine
	store  TileStore

	wg        sync.WaitGroup
	abort     chan struct{}
	abortOnce sync.Once
	errOnce   sync.Once
	err       error
}

//NewTask 创建导出任务, store由调用方构建并传入
func NewTask(cfg *ExportConfig, engine RasterEngine, store TileStore) *Task {
	id, _ := shortid.Generate()
	return &Task{
		ID:     id,
		Config: cfg,
		engine: engine,
		store:  store,
		abort:  make(chan struct{}),
	}
}

type renderResult struct {
	tile Tile
	err  error
}

//fail 记录首个致命错误并撤下整个worker池
func (task *Task) fail(err error) {
	task.errOnce.Do(func() {
		task.err = err
	})
	task.abortOnce.Do(func() {
		close(task.abort)
	})
}

//Run 驱动整条管线: 枚举→并发渲染→批量入库.
//瓦片完成次序不定, 入库靠唯一键upsert保持与次序无关
func (task *Task) Run() error {
	start := time.Now()
	enum := &Enumerator{
		Bounds:  task.Config.Bounds,
		Cutline: task.Config.Cutline,
		Min:     task.Config.MinZoom,
		Max:     task.Config.MaxZoom,
	}
	task.Total = enum.Count()
	log.Infof("task %s: %d tiles, %d workers", task.ID, task.Total, task.Config.Workers)

	task.Bar = pb.New64(task.Total).Prefix(fmt.Sprintf("Task %s : ", task.ID))
	task.Bar.Start()

	tiles := enum.Tiles(batchWindow, task.abort)
	results := make(chan renderResult, batchWindow)

	for i := 0; i < task.Config.Workers; i++ {
		task.wg.Add(1)
		go task.renderWorker(i, tiles, results)
	}
	go func() {
		task.wg.Wait()
		close(results)
	}()

	pending := 0
	for res := range results {
		if res.err != nil {
			task.fail(res.err)
			continue
		}
		if task.err != nil {
			continue //排空剩余结果
		}
		if err := task.store.WriteTile(res.tile); err != nil {
			task.fail(err)
			continue
		}
		if task.Config.ImageDump != "" && !res.tile.Empty() {
			if err := dumpTileImage(task.Config.ImageDump, res.tile, task.Config.Profile.Driver); err != nil {
				log.Errorf("dump tile %v image error ~ %s", res.tile.T, err)
			}
		}
		task.Bar.Increment()
		pending++
		if pending >= task.Config.BatchSize {
			if err := task.store.Commit(); err != nil {
				task.fail(err)
				continue
			}
			pending = 0
		}
	}

	if task.err != nil {
		task.Bar.Finish()
		return task.err
	}
	task.Bar.FinishPrint(fmt.Sprintf("task %s finished, %.3fs ~", task.ID, time.Since(start).Seconds()))
	return nil
}

//renderWorker 固定池中的一个渲染worker, 独占一份源句柄;
//渲染失败不重试, 直接终止任务
func (task *Task) renderWorker(n int, tiles <-chan maptile.Tile, results chan<- renderResult) {
	defer task.wg.Done()

	wc, err := NewWorkerContext(task.engine, task.Config)
	if err != nil {
		log.Errorf("worker %d init error ~ %s", n, err)
		results <- renderResult{err: err}
		task.abortOnce.Do(func() { close(task.abort) })
		return
	}
	defer wc.Close()

	for t := range tiles {
		tile := Tile{T: t}
		data, err := wc.RenderTile(tile)
		if err != nil {
			results <- renderResult{err: &RenderError{Z: int(t.Z), X: int(t.X), Y: int(t.Y), Err: err}}
			task.abortOnce.Do(func() { close(task.abort) })
			return
		}
		tile.C = data
		select {
		case results <- renderResult{tile: tile}:
		case <-task.abort:
			return
		}
	}
}

//dumpTileImage 调试用瓦片落盘, 命名沿用x-行号(已翻转)-z
func dumpTileImage(dir string, tile Tile, driver string) error {
	os.MkdirAll(dir, os.ModePerm)
	name := fmt.Sprintf("%d-%d-%d.%s", tile.T.X, tile.flipY(), tile.T.Z, formatExt(driver))
	return ioutil.WriteFile(filepath.Join(dir, name), tile.C, 0644)
}

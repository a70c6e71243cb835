package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
)

// flag
var (
	hf bool
	cf string

	titleFlag       string
	descriptionFlag string
	baselayerFlag   bool
	formatFlag      string
	tileSizeFlag    int
	zoomFlag        string
	dumpFlag        string
	workersFlag     int
	srcNodataFlag   string
	dstNodataFlag   string
	resamplingFlag  string
	rgbaFlag        bool
	cutlineFlag     string
	coversFlag      string
	appendFlag      bool
	overwriteFlag   bool
	keepEmptyFlag   bool
	skipBrokenFlag  bool

	openOpts     = kvFlag{}
	warpOpts     = kvFlag{}
	creationOpts = kvFlag{}
)

//kvFlag 可重复的KEY=VALUE选项
type kvFlag map[string]string

func (f kvFlag) String() string {
	var kvs []string
	for k, v := range f {
		kvs = append(kvs, k+"="+v)
	}
	return strings.Join(kvs, ",")
}

func (f kvFlag) Set(s string) error {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expect KEY=VALUE, got %q", s)
	}
	f[parts[0]] = parts[1]
	return nil
}

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&titleFlag, "title", "", "archive title, defaults to the input file name")
	flag.StringVar(&descriptionFlag, "description", "", "archive description, defaults to the input path")
	flag.BoolVar(&baselayerFlag, "baselayer", false, "export as a base layer instead of an overlay")
	flag.StringVar(&formatFlag, "format", "", "tile image format: JPEG, PNG or WEBP")
	flag.IntVar(&tileSizeFlag, "tile-size", 0, "tile width and height in pixels")
	flag.StringVar(&zoomFlag, "zoom-levels", "", "MIN..MAX export zoom range, default fits the dataset in one tile")
	flag.StringVar(&dumpFlag, "image-dump", "", "directory for optional per-tile image dump")
	flag.IntVar(&workersFlag, "j", 0, "number of render workers")
	flag.StringVar(&srcNodataFlag, "src-nodata", "", "override source nodata value")
	flag.StringVar(&dstNodataFlag, "dst-nodata", "", "destination nodata value")
	flag.StringVar(&resamplingFlag, "resampling", "nearest", "warp resampling method")
	flag.BoolVar(&rgbaFlag, "rgba", false, "synthesize an alpha band (PNG/WEBP only)")
	flag.StringVar(&cutlineFlag, "cutline", "", "geojson polygon restricting the exported tiles")
	flag.StringVar(&coversFlag, "covers", "", "quadkey of a tile whose bounds replace the export bounds")
	flag.BoolVar(&appendFlag, "append", false, "append tiles to an existing archive")
	flag.BoolVar(&overwriteFlag, "overwrite", false, "delete and recreate an existing archive")
	flag.BoolVar(&keepEmptyFlag, "keep-empty-tiles", false, "write tiles even when the source window has no valid data")
	flag.BoolVar(&skipBrokenFlag, "skip-broken-transforms", false, "drop tiles whose bounds cannot be transformed to the source crs")
	flag.Var(openOpts, "oo", "source open option KEY=VALUE, repeatable")
	flag.Var(warpOpts, "wo", "warp option KEY=VALUE, repeatable")
	flag.Var(creationOpts, "co", "image creation option KEY=VALUE, repeatable")
	flag.Usage = usage
	//InitLog 初始化日志
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	// then wrap the log output with it
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `rastertiler version: rastertiler/v0.1.0
Usage: rastertiler [options] INPUT OUTPUT
`)
	flag.PrintDefaults()
}

// initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Debugf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Debugf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.batchsize", 100)
	viper.SetDefault("tile.size", TileSize)
	viper.SetDefault("output.format", "PNG")
}

//parseNodata 空串表示未指定
func parseNodata(s, name string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &ParameterError{Param: name, Detail: err.Error()}
	}
	return &v, nil
}

//errOutputExists 未选append/overwrite时输出文件已存在
var errOutputExists = errors.New("output file already exists, use -append or -overwrite")

//buildConfig 汇总命令行与配置文件为导出配置, 含全部渲染前校验
func buildConfig(args []string) (*ExportConfig, error) {
	if len(args) != 2 {
		return nil, &ParameterError{Param: "args", Detail: "expect INPUT and OUTPUT paths"}
	}
	input, output := args[0], args[1]

	if appendFlag && overwriteFlag {
		return nil, &ParameterError{Param: "append", Detail: "append and overwrite are mutually exclusive"}
	}
	mode := ModeOverwrite
	if appendFlag {
		mode = ModeAppend
	}
	if _, err := os.Stat(output); err == nil && !appendFlag && !overwriteFlag {
		return nil, errOutputExists
	}

	format := formatFlag
	if format == "" {
		format = viper.GetString("output.format")
	}
	format = strings.ToUpper(format)
	switch format {
	case "JPEG", "PNG", "WEBP":
	default:
		return nil, &ParameterError{Param: "format", Detail: fmt.Sprintf("unsupported format %q", format)}
	}

	if !ValidResampling(resamplingFlag) {
		return nil, &ParameterError{Param: "resampling", Detail: fmt.Sprintf("unknown method %q", resamplingFlag)}
	}

	srcNodata, err := parseNodata(srcNodataFlag, "src-nodata")
	if err != nil {
		return nil, err
	}
	dstNodata, err := parseNodata(dstNodataFlag, "dst-nodata")
	if err != nil {
		return nil, err
	}

	cfg := &ExportConfig{
		Input:       input,
		Output:      output,
		Mode:        mode,
		Title:       titleFlag,
		Description: descriptionFlag,
		LayerType:   "overlay",
		Profile: RasterProfile{
			Driver: format,
			DType:  "uint8",
			NoData: 0,
			Width:  tileSizeFlag,
			Height: tileSizeFlag,
			Count:  3,
			CRS:    TilesCRS,
		},
		Resampling:          resamplingFlag,
		RGBA:                rgbaFlag,
		ZoomOverride:        zoomFlag,
		SrcNodata:           srcNodata,
		DstNodata:           dstNodata,
		CutlinePath:         cutlineFlag,
		Covers:              coversFlag,
		ImageDump:           dumpFlag,
		ExcludeEmpty:        !keepEmptyFlag,
		SkipBrokenTransform: skipBrokenFlag,
		Workers:             workersFlag,
		BatchSize:           viper.GetInt("task.batchsize"),
		OpenOptions:         openOpts,
		WarpOptions:         warpOpts,
		CreationOptions:     creationOpts,
	}
	if baselayerFlag {
		cfg.LayerType = "baselayer"
	}
	if cfg.Title == "" {
		cfg.Title = filepath.Base(input)
	}
	if cfg.Description == "" {
		cfg.Description = input
	}
	if cfg.Profile.Width <= 0 {
		cfg.Profile.Width = viper.GetInt("tile.size")
		cfg.Profile.Height = cfg.Profile.Width
	}
	if cfg.RGBA {
		cfg.Profile.Count = 4
	}
	if cfg.Workers <= 0 {
		cfg.Workers = viper.GetInt("task.workers")
	}

	if cfg.CutlinePath != "" {
		cfg.Cutline, err = loadCollection(cfg.CutlinePath)
		if err != nil {
			return nil, &ParameterError{Param: "cutline", Detail: err.Error()}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

//run 整次导出: 解析几何→建库→跑管线
func run(cfg *ExportConfig) error {
	engine := NewGDALEngine()
	if err := prepareExport(engine, cfg); err != nil {
		return err
	}

	store, err := OpenMBTiles(cfg.Output, cfg.Mode, ArchiveMeta{
		Name:        cfg.Title,
		Description: cfg.Description,
		LayerType:   cfg.LayerType,
		Format:      formatExt(cfg.Profile.Driver),
		Bounds:      cfg.Bounds,
	})
	if err != nil {
		return err
	}

	task := NewTask(cfg, engine, store)
	if err := task.Run(); err != nil {
		// 半途失败只保留此前已提交的批次, 在途批次回滚作废
		if rerr := store.Rollback(); rerr != nil {
			log.Errorf("rollback %s error ~ %s", cfg.Output, rerr)
		}
		store.Close()
		return err
	}
	return store.Close()
}

//exitCode 错误归类到进程退出码: 参数问题2, 其余致命1
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *ParameterError
	var ce *CutlineGeometryError
	if errors.As(err, &pe) || errors.As(err, &ce) {
		return 2
	}
	return 1
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	initConf(cf)

	cfg, err := buildConfig(flag.Args())
	if err == nil {
		err = run(cfg)
	}
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(exitCode(err))
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/cheggaaa/pb/v3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"tilemosaic/fetch"
	"tilemosaic/mosaic"
	"tilemosaic/planner"
)

//flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	file, err := os.OpenFile("tilemosaic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		log.SetOutput(io.MultiWriter(file, os.Stderr))
	} else {
		log.Info("failed to log to file.")
	}
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilemosaic version: tilemosaic/1.0
Usage: tilemosaic [-h] [-c filename]
`)
	flag.PrintDefaults()
}

//initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("tm.url", "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}")
	viper.SetDefault("tm.zoom", 16)
	viper.SetDefault("region.type", "bbox")
	viper.SetDefault("task.workers", 10)
	viper.SetDefault("task.attempts", 5)
	viper.SetDefault("task.backoff_ms", 600)
	viper.SetDefault("task.timeout_s", 10)
	viper.SetDefault("output.path", "mosaic.tif")
	viper.SetDefault("output.compression", "jpeg")
	viper.SetDefault("output.quality", 75)
	viper.SetDefault("output.crs", 4326)
	viper.SetDefault("output.format", "png")
}

func regionFromConf() (planner.Region, error) {
	zoom := viper.GetInt("tm.zoom")
	switch viper.GetString("region.type") {
	case "bbox":
		return planner.BoundingBox{
			A:    orb.Point{viper.GetFloat64("region.west"), viper.GetFloat64("region.north")},
			B:    orb.Point{viper.GetFloat64("region.east"), viper.GetFloat64("region.south")},
			Zoom: zoom,
		}, nil
	case "corridor":
		path, err := pathFromConf()
		if err != nil {
			return nil, err
		}
		return planner.FixedCorridor{
			Path:      path,
			HalfWidth: viper.GetFloat64("region.halfwidth"),
			Zoom:      zoom,
		}, nil
	case "tolerance":
		path, err := pathFromConf()
		if err != nil {
			return nil, err
		}
		return planner.ToleranceCorridor{
			Path:           path,
			StartHalfWidth: viper.GetFloat64("region.start_halfwidth"),
			EndHalfWidth:   viper.GetFloat64("region.end_halfwidth"),
			Zoom:           zoom,
		}, nil
	default:
		return nil, fmt.Errorf("unknown region.type %q", viper.GetString("region.type"))
	}
}

// pathFromConf reads the corridor path either from a GeoJSON file holding a
// LineString feature or from inline [lon, lat] pairs.
func pathFromConf() ([]orb.Point, error) {
	if gj := viper.GetString("region.geojson"); gj != "" {
		return pathFromGeoJSON(gj)
	}
	var raw [][]float64
	if err := viper.UnmarshalKey("region.path", &raw); err != nil {
		return nil, fmt.Errorf("region.path: %w", err)
	}
	path := make([]orb.Point, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("region.path entries must be [lon, lat] pairs")
		}
		path = append(path, orb.Point{pair[0], pair[1]})
	}
	return path, nil
}

func pathFromGeoJSON(file string) ([]orb.Point, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("region.geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("region.geojson: %w", err)
	}
	for _, f := range fc.Features {
		if ls, ok := f.Geometry.(orb.LineString); ok {
			return []orb.Point(ls), nil
		}
	}
	return nil, fmt.Errorf("region.geojson: no LineString feature in %s", file)
}

func storeFromConf() (fetch.TileStore, error) {
	if dir := viper.GetString("output.tiledir"); dir != "" {
		return fetch.NewDirStore(dir, viper.GetString("output.format"))
	}
	if path := viper.GetString("output.mbtiles"); path != "" {
		zoom := viper.GetInt("tm.zoom")
		return fetch.NewMBTilesStore(path, fetch.MBTilesMetadata{
			Name:    viper.GetString("tm.name"),
			Format:  viper.GetString("output.format"),
			MinZoom: zoom,
			MaxZoom: zoom,
		})
	}
	return nil, nil
}

func compressionFromConf() (mosaic.Compression, error) {
	switch viper.GetString("output.compression") {
	case "", "none":
		return mosaic.CompressionNone, nil
	case "jpeg", "jpg":
		return mosaic.CompressionJPEG, nil
	case "lzw":
		return mosaic.CompressionLZW, nil
	case "deflate":
		return mosaic.CompressionDeflate, nil
	default:
		return 0, fmt.Errorf("unknown output.compression %q", viper.GetString("output.compression"))
	}
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	start := time.Now()

	region, err := regionFromConf()
	if err != nil {
		log.Fatalf("region config error: %v", err)
	}
	tiles, err := region.TileSet()
	if err != nil {
		log.Fatalf("plan error: %v", err)
	}
	log.Infof("planned %d tiles at zoom %d", len(tiles), viper.GetInt("tm.zoom"))
	if len(tiles) == 0 {
		log.Warn("empty tile plan, nothing to do")
		return
	}

	store, err := storeFromConf()
	if err != nil {
		log.Fatalf("store config error: %v", err)
	}

	bar := pb.StartNew(len(tiles))
	job := fetch.NewJob(fetch.Options{
		URL:      viper.GetString("tm.url"),
		Workers:  viper.GetInt("task.workers"),
		Attempts: viper.GetInt("task.attempts"),
		Backoff:  time.Duration(viper.GetInt("task.backoff_ms")) * time.Millisecond,
		Timeout:  time.Duration(viper.GetInt("task.timeout_s")) * time.Second,
		Store:    store,
		OnProgress: func(done, total int) {
			bar.SetCurrent(int64(done))
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, runErr := job.Run(ctx, tiles)
	bar.Finish()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warnf("store close failure: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("job %s canceled after %d/%d tiles: %v", job.ID, len(results), len(tiles), runErr)
	}

	compression, err := compressionFromConf()
	if err != nil {
		log.Fatalf("output config error: %v", err)
	}
	crs := mosaic.CRS4326
	if viper.GetInt("output.crs") == 3857 {
		crs = mosaic.CRS3857
	}

	gaps, err := mosaic.Write(mosaic.Spec{
		Tiles:       results,
		Zoom:        viper.GetInt("tm.zoom"),
		Compression: compression,
		JPEGQuality: viper.GetInt("output.quality"),
		CRS:         crs,
	}, viper.GetString("output.path"))
	if err != nil {
		log.Fatalf("mosaic error: %v", err)
	}

	if gaps > 0 {
		log.Warnf("mosaic %s completed with %d gaps", viper.GetString("output.path"), gaps)
	} else {
		log.Infof("mosaic %s completed", viper.GetString("output.path"))
	}
	fmt.Printf("\n%.3fs finished...", time.Since(start).Seconds())
}

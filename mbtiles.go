package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

//MBTileVersion mbtiles版本号
const MBTileVersion = "1.1"

// Store modes
const (
	ModeOverwrite = "overwrite"
	ModeAppend    = "append"
)

//TileStore 瓦片库写入端, 库连接单独归其所有, worker不触库
type TileStore interface {
	//WriteTile 幂等写入, 空瓦片跳过
	WriteTile(tile Tile) error
	//Commit 提交一批挂起的写入
	Commit() error
	//Rollback 丢弃未提交的批次, 任务半途失败时调用
	Rollback() error
	//Close 末次提交并释放连接
	Close() error
}

//ArchiveMeta mbtiles元数据必备六项的来源
type ArchiveMeta struct {
	Name        string
	Description string
	LayerType   string //overlay或baselayer
	Format      string //文件扩展名: jpg/png/webp
	Bounds      GeoBounds
}

//MBTiles 单文件瓦片库
type MBTiles struct {
	File string
	db   *sql.DB
	tx   *sql.Tx
}

//OpenMBTiles 建库或续库. overwrite删除旧库重建表结构并落六项元数据;
//append要求已有bounds项, 与本次范围取并集后原地改写
func OpenMBTiles(path string, mode string, meta ArchiveMeta) (*MBTiles, error) {
	if mode == ModeOverwrite {
		os.Remove(path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, err
	}

	m := &MBTiles{File: path, db: db}
	switch mode {
	case ModeOverwrite:
		err = m.setupTables(meta)
	case ModeAppend:
		err = m.mergeBounds(meta.Bounds)
	default:
		err = &ParameterError{Param: "mode", Detail: fmt.Sprintf("unknown store mode %q", mode)}
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	m.tx, err = db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MBTiles) setupTables(meta ArchiveMeta) error {
	_, err := m.db.Exec("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);")
	if err != nil {
		return err
	}
	_, err = m.db.Exec("create table if not exists metadata (name text, value text);")
	if err != nil {
		return err
	}
	_, err = m.db.Exec("create unique index name on metadata (name);")
	if err != nil {
		return err
	}
	_, err = m.db.Exec("create unique index tile_index on tiles(zoom_level, tile_column, tile_row);")
	if err != nil {
		return err
	}
	items := map[string]string{
		"name":        meta.Name,
		"type":        meta.LayerType,
		"version":     MBTileVersion,
		"description": meta.Description,
		"format":      meta.Format,
		"bounds":      meta.Bounds.String(),
	}
	for name, value := range items {
		_, err := m.db.Exec("insert into metadata (name, value) values (?, ?)", name, value)
		if err != nil {
			return err
		}
	}
	return nil
}

//mergeBounds 读取已有bounds, 与新范围分量求并后改写
func (m *MBTiles) mergeBounds(b GeoBounds) error {
	var value string
	err := m.db.QueryRow("select value from metadata where name = 'bounds'").Scan(&value)
	if err == sql.ErrNoRows {
		return ErrAppendMetadataMissing
	}
	if err != nil {
		// 表都不存在的裸sqlite文件同样按元数据缺失处理,
		// 其余查询错误(锁死/损坏)原样上抛
		if strings.Contains(err.Error(), "no such table") {
			return ErrAppendMetadataMissing
		}
		return err
	}
	old, err := parseBounds(value)
	if err != nil {
		return err
	}
	merged := old.Union(b)
	_, err = m.db.Exec("update metadata set value = ? where name = 'bounds'", merged.String())
	return err
}

func parseBounds(value string) (GeoBounds, error) {
	var b GeoBounds
	n, err := fmt.Sscanf(value, "%f,%f,%f,%f", &b.West, &b.South, &b.East, &b.North)
	if err != nil || n != 4 {
		return b, fmt.Errorf("malformed bounds metadata %q", value)
	}
	return b, nil
}

//WriteTile 幂等upsert, 行号按mbtiles约定上下翻转;
//重复导出同一瓦片覆盖而不报错
func (m *MBTiles) WriteTile(tile Tile) error {
	if tile.Empty() {
		log.Debugf("tile %v has no data, skipped", tile.T)
		return nil
	}
	_, err := m.tx.Exec(
		"insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		tile.T.Z, tile.T.X, tile.flipY(), tile.C)
	return err
}

//Commit 整批落盘并开启下一事务
func (m *MBTiles) Commit() error {
	if err := m.tx.Commit(); err != nil {
		return err
	}
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	m.tx = tx
	return nil
}

//Rollback 回滚当前事务, 上批Commit之后写入的瓦片全部作废
func (m *MBTiles) Rollback() error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	return err
}

//Close 末次提交, 整理统计信息后关库
func (m *MBTiles) Close() error {
	if m.tx != nil {
		if err := m.tx.Commit(); err != nil {
			m.db.Close()
			return err
		}
	}
	if _, err := m.db.Exec("ANALYZE;"); err != nil {
		log.Warnf("analyze %s error ~ %s", m.File, err)
	}
	return m.db.Close()
}

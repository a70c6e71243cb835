package main

import (
	"bytes"
	"database/sql"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureMeta() ArchiveMeta {
	return ArchiveMeta{
		Name:        "fixture.tif",
		Description: "test archive",
		LayerType:   "overlay",
		Format:      PNG,
		Bounds:      fixtureBounds,
	}
}

func makeArchive(t *testing.T) (*MBTiles, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	m, err := OpenMBTiles(path, ModeOverwrite, fixtureMeta())
	require.NoError(t, err)
	return m, path
}

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func queryMeta(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	var value string
	require.NoError(t, db.QueryRow("select value from metadata where name = ?", name).Scan(&value))
	return value
}

func countTiles(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("select count(*) from tiles").Scan(&n))
	return n
}

func TestArchiveSetup(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.Close())

	db := openRaw(t, path)
	var n int
	require.NoError(t, db.QueryRow("select count(*) from metadata").Scan(&n))
	assert.Equal(t, 6, n)
	assert.Equal(t, "fixture.tif", queryMeta(t, db, "name"))
	assert.Equal(t, "overlay", queryMeta(t, db, "type"))
	assert.Equal(t, "1.1", queryMeta(t, db, "version"))
	assert.Equal(t, "png", queryMeta(t, db, "format"))
	assert.Equal(t, "-78.900000,23.560000,-76.600000,25.550000", queryMeta(t, db, "bounds"))
}

func TestWriteTileFlipRow(t *testing.T) {
	m, path := makeArchive(t)
	tile := Tile{T: maptile.Tile{X: 17, Y: 27, Z: 6}, C: []byte("data")}
	require.NoError(t, m.WriteTile(tile))
	require.NoError(t, m.Close())

	db := openRaw(t, path)
	var z, x, row int
	require.NoError(t, db.QueryRow("select zoom_level, tile_column, tile_row from tiles").Scan(&z, &x, &row))
	assert.Equal(t, 6, z)
	assert.Equal(t, 17, x)
	// 入库行号为翻转约定: 2^z - y - 1
	assert.Equal(t, 64-27-1, row)
}

func TestWriteTileIdempotent(t *testing.T) {
	m, path := makeArchive(t)
	tile := Tile{T: maptile.Tile{X: 17, Y: 27, Z: 6}, C: []byte("first")}
	require.NoError(t, m.WriteTile(tile))
	require.NoError(t, m.Commit())

	tile.C = []byte("second")
	require.NoError(t, m.WriteTile(tile))
	require.NoError(t, m.Close())

	db := openRaw(t, path)
	assert.Equal(t, 1, countTiles(t, db))
	var data []byte
	require.NoError(t, db.QueryRow("select tile_data from tiles").Scan(&data))
	assert.Equal(t, []byte("second"), data)
}

func TestEmptyTileSkipped(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.WriteTile(Tile{T: maptile.Tile{X: 17, Y: 27, Z: 6}}))
	require.NoError(t, m.Close())

	db := openRaw(t, path)
	assert.Equal(t, 0, countTiles(t, db))
}

func TestAppendBoundsMerge(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.Close())

	other := fixtureMeta()
	other.Bounds = GeoBounds{West: -80, South: 25, East: -77, North: 27}
	m2, err := OpenMBTiles(path, ModeAppend, other)
	require.NoError(t, err)
	require.NoError(t, m2.Close())

	db := openRaw(t, path)
	assert.Equal(t, "-80.000000,23.560000,-76.600000,27.000000", queryMeta(t, db, "bounds"))
	// 其余元数据不动
	assert.Equal(t, "fixture.tif", queryMeta(t, db, "name"))
}

func TestAppendSubsetBoundsUnchanged(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.Close())

	subset := fixtureMeta()
	subset.Bounds = GeoBounds{West: -78, South: 24, East: -77, North: 25}
	m2, err := OpenMBTiles(path, ModeAppend, subset)
	require.NoError(t, err)
	require.NoError(t, m2.Close())

	db := openRaw(t, path)
	assert.Equal(t, "-78.900000,23.560000,-76.600000,25.550000", queryMeta(t, db, "bounds"))
}

func TestRollbackDiscardsPendingWrites(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.WriteTile(Tile{T: maptile.Tile{X: 17, Y: 27, Z: 6}, C: []byte("kept")}))
	require.NoError(t, m.Commit())
	require.NoError(t, m.WriteTile(Tile{T: maptile.Tile{X: 18, Y: 27, Z: 6}, C: []byte("doomed")}))
	require.NoError(t, m.Rollback())
	require.NoError(t, m.Close())

	db := openRaw(t, path)
	assert.Equal(t, 1, countTiles(t, db))
	var data []byte
	require.NoError(t, db.QueryRow("select tile_data from tiles").Scan(&data))
	assert.Equal(t, []byte("kept"), data)
}

func TestAppendCorruptArchiveErrorSurfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.mbtiles")
	require.NoError(t, ioutil.WriteFile(path, bytes.Repeat([]byte{0x42}, 1024), 0644))

	_, err := OpenMBTiles(path, ModeAppend, fixtureMeta())
	require.Error(t, err)
	// 损坏的库不能伪装成元数据缺失
	assert.NotErrorIs(t, err, ErrAppendMetadataMissing)
}

func TestAppendMetadataMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.mbtiles")
	_, err := OpenMBTiles(path, ModeAppend, fixtureMeta())
	require.ErrorIs(t, err, ErrAppendMetadataMissing)
}

func TestAppendKeepsExistingTiles(t *testing.T) {
	m, path := makeArchive(t)
	require.NoError(t, m.WriteTile(Tile{T: maptile.Tile{X: 17, Y: 27, Z: 6}, C: []byte("a")}))
	require.NoError(t, m.Close())

	m2, err := OpenMBTiles(path, ModeAppend, fixtureMeta())
	require.NoError(t, err)
	require.NoError(t, m2.WriteTile(Tile{T: maptile.Tile{X: 18, Y: 27, Z: 6}, C: []byte("b")}))
	require.NoError(t, m2.Close())

	db := openRaw(t, path)
	assert.Equal(t, 2, countTiles(t, db))
}

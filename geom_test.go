package main

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveZoomDefault(t *testing.T) {
	// 宽向正好1/64全球, 高向1/128: 非正方形数据沿两级展开
	b := GeoBounds{West: 0, South: 0, East: 360.0 / 64, North: 170.1022 / 128}
	minzoom, maxzoom, err := resolveZoom(b, "")
	require.NoError(t, err)
	assert.Equal(t, 6, minzoom)
	assert.Equal(t, 7, maxzoom)
}

func TestResolveZoomOverride(t *testing.T) {
	minzoom, maxzoom, err := resolveZoom(GeoBounds{}, "6..7")
	require.NoError(t, err)
	assert.Equal(t, 6, minzoom)
	assert.Equal(t, 7, maxzoom)

	_, _, err = resolveZoom(GeoBounds{}, "6-7")
	var pe *ParameterError
	require.ErrorAs(t, err, &pe)

	_, _, err = resolveZoom(GeoBounds{}, "9..3")
	require.ErrorAs(t, err, &pe)
}

func TestClampBounds(t *testing.T) {
	b := GeoBounds{West: -180, South: -90, East: 180, North: 90}.Clamped()
	assert.InDelta(t, -180, b.West, 1e-6)
	assert.Greater(t, b.West, -180.0)
	assert.Less(t, b.East, 180.0)
	assert.Equal(t, -MercatorLatLimit, b.South)
	assert.Equal(t, MercatorLatLimit, b.North)
}

func TestBoundsUnion(t *testing.T) {
	a := GeoBounds{West: -10, South: -5, East: 10, North: 5}
	b := GeoBounds{West: 0, South: -20, East: 30, North: 2}
	u := a.Union(b)
	assert.Equal(t, GeoBounds{West: -10, South: -20, East: 30, North: 5}, u)

	// 子集并集不变
	assert.Equal(t, u, u.Union(a))
}

func TestValidateNodata(t *testing.T) {
	dst := 0.0
	src := 255.0

	require.NoError(t, validateNodata(nil, nil, nil))
	require.NoError(t, validateNodata(&dst, &src, nil))
	require.NoError(t, validateNodata(&dst, nil, &src))

	err := validateNodata(&dst, nil, nil)
	var pe *ParameterError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "src-nodata", pe.Param)
}

func TestResolveBoundsFromSource(t *testing.T) {
	engine := newFakeEngine(GeoBounds{West: -78.9, South: 23.56, East: -76.6, North: 25.55})
	src, err := engine.Open("fixture.tif", nil)
	require.NoError(t, err)
	defer src.Close()

	b, err := resolveBounds(src, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.bounds, b)
}

func TestResolveBoundsCutlineUnion(t *testing.T) {
	engine := newFakeEngine(GeoBounds{West: -78.9, South: 23.56, East: -76.6, North: 25.55})
	src, err := engine.Open("fixture.tif", nil)
	require.NoError(t, err)
	defer src.Close()

	cutline := orb.Collection{
		orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}},
		orb.Polygon{{{5, 5}, {6, 5}, {6, 7}, {5, 7}, {5, 5}}},
	}
	b, err := resolveBounds(src, cutline)
	require.NoError(t, err)
	assert.Equal(t, GeoBounds{West: 0, South: 0, East: 6, North: 7}, b)
}

func TestQuadkeyBounds(t *testing.T) {
	// "032"即z3瓦片(2,3)
	b, err := quadkeyBounds("032")
	require.NoError(t, err)
	assert.InDelta(t, -90, b.West, 1e-6)
	assert.InDelta(t, -45, b.East, 1e-6)
	assert.InDelta(t, 0, b.South, 1e-6)
	assert.InDelta(t, 40.979898, b.North, 1e-6)

	var pe *ParameterError
	_, err = quadkeyBounds("0a2")
	require.ErrorAs(t, err, &pe)
	_, err = quadkeyBounds("")
	require.ErrorAs(t, err, &pe)
	_, err = quadkeyBounds("01230123012301230123012") //超出最大级别
	require.ErrorAs(t, err, &pe)
}

func TestCheckCutline(t *testing.T) {
	require.NoError(t, checkCutline(orb.Collection{
		orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
		orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}},
	}))

	err := checkCutline(orb.Collection{orb.LineString{{0, 0}, {1, 1}}})
	var ce *CutlineGeometryError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "LineString", ce.Geometry)
}

package store

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

func TestEncodeEWKB_RoundTrip(t *testing.T) {
	mp := orb.MultiPolygon{
		{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
		{
			{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}},
			{{2.5, 2.5}, {3, 2.5}, {3, 3}, {2.5, 2.5}},
		},
	}

	data, err := EncodeEWKB(mp)
	require.NoError(t, err)

	g, err := ewkb.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, 4326, g.SRID())
	assert.IsType(t, &geom.MultiPolygon{}, g)

	back, err := DecodeEWKB(data)
	require.NoError(t, err)
	assert.Equal(t, mp, back)
}

func TestEncodeEWKB_Empty(t *testing.T) {
	data, err := EncodeEWKB(nil)
	assert.NoError(t, err)
	assert.Nil(t, data)

	mp, err := DecodeEWKB(nil)
	assert.NoError(t, err)
	assert.Nil(t, mp)
}

func TestDecodeEWKB_Polygon(t *testing.T) {
	poly := geom.NewPolygonFlat(geom.XY, []float64{0, 0, 1, 0, 1, 1, 0, 0}, []int{8}).SetSRID(4326)
	data, err := ewkb.Marshal(poly, ewkb.NDR)
	require.NoError(t, err)

	mp, err := DecodeEWKB(data)
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 0}}, mp[0][0])
}

func TestDecodeEWKB_Unsupported(t *testing.T) {
	pt := geom.NewPointFlat(geom.XY, []float64{1, 2}).SetSRID(4326)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	require.NoError(t, err)

	_, err = DecodeEWKB(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported geometry Point")
}

func TestDecodeEWKB_Garbage(t *testing.T) {
	_, err := DecodeEWKB([]byte{0x01, 0x02})
	assert.Error(t, err)
}

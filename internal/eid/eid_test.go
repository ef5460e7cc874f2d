package eid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("ValidSchemeAndNSS", func(t *testing.T) {
		e, err := Parse("ipn:2.1")
		require.NoError(t, err)
		assert.Equal(t, "ipn", e.Scheme)
		assert.Equal(t, "2.1", e.NSS)
		assert.Equal(t, "ipn:2.1", e.String())
	})

	t.Run("DtnNone", func(t *testing.T) {
		e, err := Parse(NullEID)
		require.NoError(t, err)
		assert.True(t, e.IsNull())
	})

	t.Run("RejectsEmpty", func(t *testing.T) {
		_, err := Parse("")
		assert.Error(t, err)
	})

	t.Run("RejectsMissingSeparator", func(t *testing.T) {
		_, err := Parse("ipnwithoutcolon")
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyScheme", func(t *testing.T) {
		_, err := Parse(":1.1")
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyNSS", func(t *testing.T) {
		_, err := Parse("ipn:")
		assert.Error(t, err)
	})

	t.Run("RejectsOverlongEID", func(t *testing.T) {
		nss := strings.Repeat("a", MaxNSSLen+1)
		_, err := Parse("ipn:" + nss)
		assert.Error(t, err)
	})

	t.Run("RejectsOverlongScheme", func(t *testing.T) {
		scheme := strings.Repeat("s", MaxSchemeLen+1)
		_, err := Parse(scheme + ":1.1")
		assert.Error(t, err)
	})
}

func TestParseCBHE(t *testing.T) {
	t.Run("ValidNodeAndService", func(t *testing.T) {
		e := MustParse("ipn:2.1")
		c, err := ParseCBHE(e)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), c.NodeNumber)
		assert.Equal(t, uint64(1), c.ServiceNumber)
	})

	t.Run("RejectsNonIpnScheme", func(t *testing.T) {
		e := MustParse("dtn:none")
		_, err := ParseCBHE(e)
		assert.Error(t, err)
	})

	t.Run("RejectsMissingDot", func(t *testing.T) {
		e := EID{Scheme: "ipn", NSS: "21"}
		_, err := ParseCBHE(e)
		assert.Error(t, err)
	})

	t.Run("RejectsNonNumeric", func(t *testing.T) {
		e := EID{Scheme: "ipn", NSS: "abc.1"}
		_, err := ParseCBHE(e)
		assert.Error(t, err)
	})

	t.Run("RejectsNodeNumberAboveCeiling", func(t *testing.T) {
		original := CBHENodeNumberCeiling
		defer func() { CBHENodeNumberCeiling = original }()
		CBHENodeNumberCeiling = 100

		e := EID{Scheme: "ipn", NSS: "101.1"}
		_, err := ParseCBHE(e)
		assert.Error(t, err)
	})

	t.Run("RejectsServiceNumberAboveCeiling", func(t *testing.T) {
		e := EID{Scheme: "ipn", NSS: "2.99999"}
		_, err := ParseCBHE(e)
		assert.Error(t, err)
	})

	t.Run("OperatorCanRaiseCeiling", func(t *testing.T) {
		original := CBHENodeNumberCeiling
		defer func() { CBHENodeNumberCeiling = original }()
		CBHENodeNumberCeiling = 1 << 32

		e := EID{Scheme: "ipn", NSS: "5000000000.1"}
		c, err := ParseCBHE(e)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000000000), c.NodeNumber)
	})
}

func TestFormatCBHE(t *testing.T) {
	e := FormatCBHE(2, 1)
	assert.Equal(t, "ipn:2.1", e.String())

	c, err := ParseCBHE(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.NodeNumber)
	assert.Equal(t, uint64(1), c.ServiceNumber)
}

func TestSchemeName(t *testing.T) {
	name, err := SchemeName("ipn:2.1")
	require.NoError(t, err)
	assert.Equal(t, "ipn", name)

	_, err = SchemeName("malformed")
	assert.Error(t, err)
}

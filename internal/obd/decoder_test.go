package obd

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/formula"
)

const sensorsCSV = `Name,ShortName,ModeAndPID,Equation,Min Value,Max Value,Units,Header
Engine RPM,RPM,010C,((A*256)+B)/4,0,8000,rpm,
Coolant Temperature,Coolant,0105,A-40,-40,215,C,
Battery Temperature,BatTemp,2228FB,A-40,-40,60,C,7E4
Cell Voltage,CellV,224181,(A*256+B)/1000,0,5,V,7E4
Divider,Div,2228FC,A/B,0,1,,
`

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.Load(strings.NewReader(sensorsCSV))
	require.NoError(t, err)
	return cat
}

func TestDecoder_Decode(t *testing.T) {
	cat := loadCatalog(t)

	testCases := []struct {
		name   string
		format FrameFormat
		frame  string
		sensor string
		want   float64
	}{
		{"engine rpm binary", FormatBinary, "\x41\x0c\x1a\xac", "RPM", 1707},
		{"engine rpm ascii", FormatASCII, "7E804410C1AAC", "RPM", 1707},
		{"ascii with spaces", FormatASCII, "7E8 04 41 0C 1A AC\r", "RPM", 1707},
		{"ascii lowercase", FormatASCII, "7e804410c1aac", "RPM", 1707},
		{"enhanced mode ascii", FormatASCII, "7EC046228FB7B", "BatTemp", 83},
		{"enhanced mode binary", FormatBinary, "\x62\x28\xfb\x7b", "BatTemp", 83},
		{"extra bytes ignored", FormatBinary, "\x41\x05\x7b\xff\xff", "Coolant", 83},
		{"request echo without ack", FormatBinary, "\x01\x05\x28", "Coolant", 0},
		{"two operand enhanced", FormatASCII, "7EC056241810E74", "CellV", 3.7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder(cat, WithFormat(tc.format))

			r, err := d.Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.sensor, r.Sensor.ShortName)
			assert.Equal(t, r.Sensor.Key, r.Key)
			assert.InDelta(t, tc.want, r.Value, 1e-9)
		})
	}
}

func TestDecoder_Deterministic(t *testing.T) {
	d := NewDecoder(loadCatalog(t))
	frame := []byte("7E804410C1AAC")

	first, err := d.Decode(frame)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		r, err := d.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, first, r)
	}
}

func TestDecoder_ShortFrame(t *testing.T) {
	cat := loadCatalog(t)
	frame := []byte("\x41\x0c\x1a")

	t.Run("substitute zero", func(t *testing.T) {
		r, err := NewDecoder(cat, WithFormat(FormatBinary)).Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, float64(0x1a*256)/4, r.Value)
	})

	t.Run("reject short", func(t *testing.T) {
		d := NewDecoder(cat, WithFormat(FormatBinary), WithMissingPolicy(formula.RejectShort))
		_, err := d.Decode(frame)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEvalFailed)
		assert.ErrorIs(t, err, formula.ErrMissingOperand)
	})
}

func TestDecoder_Errors(t *testing.T) {
	cat := loadCatalog(t)

	testCases := []struct {
		name   string
		format FrameFormat
		frame  string
		kind   Kind
		want   error
		key    catalog.Key
	}{
		{"empty binary", FormatBinary, "", KindMalformed, ErrMalformed, ""},
		{"key truncated", FormatBinary, "\x62\x28", KindMalformed, ErrMalformed, ""},
		{"header only", FormatASCII, "7E804", KindMalformed, ErrMalformed, ""},
		{"bad hex", FormatASCII, "7E80441ZZ1AAC", KindMalformed, ErrMalformed, ""},
		{"odd hex", FormatASCII, "7E804410C1A2", KindMalformed, ErrMalformed, ""},
		{"unknown pid", FormatBinary, "\x62\x99\x99\x01", KindUnknownPID, ErrUnknownPID, catalog.Key("\x22\x99\x99")},
		{"division by zero", FormatBinary, "\x62\x28\xfc\x01\x00", KindEvalFailed, ErrEvalFailed, catalog.Key("\x22\x28\xfc")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(cat, WithFormat(tc.format)).Decode([]byte(tc.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var dErr *DecodeError
			require.True(t, errors.As(err, &dErr))
			assert.Equal(t, tc.kind, dErr.Kind)
			assert.Equal(t, tc.key, dErr.Key)
		})
	}
}

func TestDecoder_UnknownPIDLeavesCatalogUnchanged(t *testing.T) {
	cat := loadCatalog(t)
	before := cat.Len()

	_, err := NewDecoder(cat, WithFormat(FormatBinary)).Decode([]byte("\x62\x99\x99\x01"))
	require.ErrorIs(t, err, ErrUnknownPID)

	assert.Equal(t, before, cat.Len())
	_, ok := cat.Lookup(catalog.Key("\x22\x99\x99"))
	assert.False(t, ok)
}

func TestDecoder_Options(t *testing.T) {
	cat := loadCatalog(t)

	t.Run("fixed key width", func(t *testing.T) {
		d := NewDecoder(cat, WithFormat(FormatBinary), WithKeyWidth(3))
		r, err := d.Decode([]byte("\x62\x28\xfb\x7b"))
		require.NoError(t, err)
		assert.Equal(t, 83.0, r.Value)

		_, err = d.Decode([]byte("\x41\x0c\x1a\xac"))
		assert.ErrorIs(t, err, ErrUnknownPID)
	})

	t.Run("auto width falls back to catalog widths", func(t *testing.T) {
		cat, err := catalog.Load(strings.NewReader(sensorsCSV +
			"Cabin Temperature,Cabin,213A01,A-40,-40,80,C,7E4\n"))
		require.NoError(t, err)
		d := NewDecoder(cat, WithFormat(FormatBinary))

		r, err := d.Decode([]byte("\x61\x3a\x01\x5a"))
		require.NoError(t, err)
		assert.Equal(t, "Cabin", r.Sensor.ShortName)
		assert.Equal(t, catalog.Key("\x21\x3a\x01"), r.Key)
		assert.Equal(t, 50.0, r.Value)

		r, err = d.Decode([]byte("\x41\x0c\x1a\xac"))
		require.NoError(t, err)
		assert.Equal(t, "RPM", r.Sensor.ShortName)

		_, err = d.Decode([]byte("\x61\x3a\x02\x5a"))
		var dErr *DecodeError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, KindUnknownPID, dErr.Kind)
		assert.Equal(t, catalog.Key("\x21\x3a"), dErr.Key, "unknown keys are reported at the mode width")
	})

	t.Run("no ack offset", func(t *testing.T) {
		d := NewDecoder(cat, WithFormat(FormatBinary), WithAckOffset(0))
		_, err := d.Decode([]byte("\x41\x0c\x1a\xac"))
		assert.ErrorIs(t, err, ErrUnknownPID)
	})

	t.Run("header chars", func(t *testing.T) {
		d := NewDecoder(cat, WithHeaderChars(0))
		r, err := d.Decode([]byte("410C1AAC"))
		require.NoError(t, err)
		assert.Equal(t, 1707.0, r.Value)
	})
}

func TestParseFrameFormat(t *testing.T) {
	f, err := ParseFrameFormat("binary")
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, f)

	f, err = ParseFrameFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatASCII, f)

	_, err = ParseFrameFormat("can")
	assert.Error(t, err)
}

func TestDecodeError_Message(t *testing.T) {
	err := &DecodeError{Kind: KindUnknownPID, Key: catalog.Key("\x22\x99\x99")}
	assert.Equal(t, "unknown PID 229999", err.Error())
	assert.False(t, errors.Is(err, ErrMalformed))
}

package naming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func TestEncode_DefaultTemplate(t *testing.T) {
	s := MustScheme(DefaultTemplate)

	assert.Equal(t, "dev_BACKUP_2026_03_14_15_09_26", s.Encode("dev", created, 0))
	assert.Equal(t, "dev_BACKUP_2026_03_14_15_09_26_002", s.Encode("dev", created, 2))
}

func TestEncode_ConvertsToUTC(t *testing.T) {
	s := MustScheme(DefaultTemplate)
	local := created.In(time.FixedZone("UTC+2", 2*60*60))

	assert.Equal(t, "dev_BACKUP_2026_03_14_15_09_26", s.Encode("dev", local, 0))
}

func TestDecode_RoundTrip(t *testing.T) {
	s := MustScheme(DefaultTemplate)

	tests := []struct {
		target string
		seq    int
	}{
		{"dev", 0},
		{"dev", 7},
		{"analytics_dev", 0},
		{"team_BACKUP_dev", 12},
	}
	for _, tt := range tests {
		name := s.Encode(tt.target, created, tt.seq)
		b, ok := s.Decode(name)
		require.True(t, ok, name)
		assert.Equal(t, tt.target, b.Target)
		assert.True(t, created.Equal(b.CreatedAt))
		assert.Equal(t, tt.seq, b.Seq)
		assert.Equal(t, name, b.Name)
	}
}

func TestDecode_RejectsForeignNames(t *testing.T) {
	s := MustScheme(DefaultTemplate)

	for _, name := range []string{
		"dev",
		"dev_BACKUP_",
		"dev_BACKUP_yesterday",
		"dev_BACKUP_2026_13_40_99_99_99",
		"dev_BACKUP_2026_03_14_15_09_26_x",
		"xdev_backup_2026_03_14_15_09_26",
	} {
		_, ok := s.Decode(name)
		assert.False(t, ok, name)
	}
}

func TestDecodeFor_FiltersByTarget(t *testing.T) {
	s := MustScheme(DefaultTemplate)

	name := s.Encode("dev_eu", created, 0)
	_, ok := s.DecodeFor("dev", name)
	assert.False(t, ok, "backup of dev_eu must not be attributed to dev")

	b, ok := s.DecodeFor("dev_eu", name)
	require.True(t, ok)
	assert.Equal(t, "dev_eu", b.Target)
}

func TestCustomTemplate(t *testing.T) {
	s, err := NewScheme("bak-{ts}-{target}")
	require.NoError(t, err)

	name := s.Encode("dev", created, 1)
	assert.Equal(t, "bak-2026_03_14_15_09_26_001-dev", name)
	assert.Equal(t, "bak-", s.Prefix("dev"))

	b, ok := s.DecodeFor("dev", name)
	require.True(t, ok)
	assert.Equal(t, 1, b.Seq)
}

func TestTimestampThenTarget_RoundTrip(t *testing.T) {
	s := MustScheme("BK_{ts}_{target}")
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	name := s.Encode("123_dev", jan, 0)
	assert.Equal(t, "BK_2026_01_01_00_00_00_000_123_dev", name)

	b, ok := s.Decode(name)
	require.True(t, ok)
	assert.Equal(t, "123_dev", b.Target)
	assert.Equal(t, 0, b.Seq)
	assert.True(t, jan.Equal(b.CreatedAt))

	_, ok = s.DecodeFor("dev", name)
	assert.False(t, ok)

	for _, tc := range []struct {
		target string
		seq    int
	}{
		{"dev", 0},
		{"dev", 7},
		{"007", 12},
		{"123_dev", 999},
	} {
		b, ok := s.DecodeFor(tc.target, s.Encode(tc.target, jan, tc.seq))
		require.True(t, ok, tc.target)
		assert.Equal(t, tc.seq, b.Seq, tc.target)
	}

	// Without the fixed suffix the name is rejected rather than misread.
	_, ok = s.Decode("BK_2026_01_01_00_00_00_dev")
	assert.False(t, ok)
}

func TestPrefix_DefaultTemplate(t *testing.T) {
	s := MustScheme(DefaultTemplate)
	assert.Equal(t, "dev_BACKUP_", s.Prefix("dev"))
	assert.Equal(t, DefaultTemplate, s.Template())
}

func TestNewScheme_RejectsBadTemplates(t *testing.T) {
	for _, tmpl := range []string{
		"",
		"{target}_BACKUP",
		"BACKUP_{ts}",
		"{target}_{target}_{ts}",
		"{target}_{ts}_{ts}",
		"{ts}{target}",
		"BK_{ts}1_{target}",
	} {
		_, err := NewScheme(tmpl)
		assert.Error(t, err, tmpl)
	}
}

func TestMustScheme_Panics(t *testing.T) {
	assert.Panics(t, func() { MustScheme("no placeholders") })
}

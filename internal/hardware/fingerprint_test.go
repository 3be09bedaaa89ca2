package hardware

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fathomlicense/internal/errors"
)

func fixed(v string) Probe {
	return func(context.Context) (string, error) { return v, nil }
}

func failing() Probe {
	return func(context.Context) (string, error) { return "", errors.New("access denied") }
}

func testGenerator(opts ...Option) *Generator {
	base := []Option{
		WithProbe(CPU, fixed("GenuineIntel|6|158|Intel(R) Core(TM) i7-8700|10")),
		WithProbe(BIOS, fixed("PF1ABCD")),
		WithProbe(MAC, fixed("3c:52:82:aa:bb:cc")),
		WithProbe(Disk, fixed("S4EVNX0N123456")),
		WithProbe(Board, fixed("L1HF91S00AB")),
	}
	return NewGenerator(append(base, opts...)...)
}

func TestHashComponent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", Unavailable},
		{"whitespace", "   ", Unavailable},
		{"oem placeholder", "To be filled by O.E.M.", Unavailable},
		{"default string", "Default string", Unavailable},
		{"zero mac", "00:00:00:00:00:00", Unavailable},
		{"zero uuid", "00000000-0000-0000-0000-000000000000", Unavailable},
		{"real value", "PF1ABCD", HashComponent("pf1abcd ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HashComponent(tt.raw))
		})
	}

	h := HashComponent("PF1ABCD")
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "PF1ABCD")
}

func TestGenerate(t *testing.T) {
	set, err := testGenerator().Generate(context.Background())
	require.NoError(t, err)

	require.Len(t, set, ComponentCount)
	assert.Equal(t, ComponentCount, set.Available())
	assert.Equal(t, HashComponent("3c:52:82:aa:bb:cc"), set[MAC])
	for _, fp := range set {
		assert.Len(t, fp, 64)
	}
}

func TestGenerateDegradesGracefully(t *testing.T) {
	g := testGenerator(
		WithProbe(BIOS, failing()),
		WithProbe(Board, fixed("To be filled by O.E.M.")),
	)

	set, err := g.Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Unavailable, set[BIOS])
	assert.Equal(t, Unavailable, set[Board])
	assert.Equal(t, 3, set.Available())
}

func TestGenerateCaches(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g := testGenerator(
		WithProbe(CPU, func(context.Context) (string, error) {
			calls.Add(1)
			return "cpu", nil
		}),
		WithTTL(time.Hour),
		WithClock(func() time.Time { return now }),
	)

	_, err := g.Generate(context.Background())
	require.NoError(t, err)
	_, err = g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call served from cache")

	now = now.Add(2 * time.Hour)
	_, err = g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired cache probes again")

	g.ClearCache()
	_, err = g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testGenerator(WithTTL(0)).Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompareFingerprintSets(t *testing.T) {
	base := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		name string
		a, b []string
		want int
	}{
		{"identical", base, base, 5},
		{"one changed", base, []string{"a", "b", "c", "d", "x"}, 4},
		{"two changed", base, []string{"x", "b", "c", "d", "y"}, 3},
		{"three changed", base, []string{"x", "y", "c", "d", "z"}, 2},
		{"all changed", base, []string{"v", "w", "x", "y", "z"}, 0},
		{"unavailable vs unavailable", []string{Unavailable, "b", "c", "d", "e"}, []string{Unavailable, "b", "c", "d", "e"}, 4},
		{"unavailable on live side", base, []string{Unavailable, Unavailable, "c", "d", "e"}, 3},
		{"position matters", base, []string{"b", "a", "c", "d", "e"}, 3},
		{"hex case ignored", base, []string{"A", "B", "C", "D", "E"}, 5},
		{"upper-case unavailable", []string{"UNAVAILABLE", "b", "c", "d", "e"}, []string{"UNAVAILABLE", "b", "c", "d", "e"}, 4},
		{"short live set", base, []string{"a", "b"}, 2},
		{"empty", nil, base, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareFingerprintSets(tt.a, tt.b))
		})
	}
}

func TestParseFingerprintList(t *testing.T) {
	hashes := make([]string, ComponentCount)
	for i := range hashes {
		hashes[i] = HashComponent(strings.Repeat("x", i+1))
	}

	t.Run("round trip through format", func(t *testing.T) {
		set := Set{hashes[0], hashes[1], Unavailable, hashes[3], hashes[4]}
		parsed, err := ParseFingerprintList(FormatFingerprintList(set), true)
		require.NoError(t, err)
		assert.Equal(t, set, parsed)
	})

	t.Run("comments blanks and upper case", func(t *testing.T) {
		text := "# copied from site PC\n\n" + strings.ToUpper(hashes[0]) + "\n" +
			strings.Join(hashes[1:], "\n") + "\n"
		parsed, err := ParseFingerprintList(text, true)
		require.NoError(t, err)
		assert.Equal(t, Set(hashes), parsed)
	})

	errorCases := []struct {
		name   string
		text   string
		strict bool
	}{
		{"empty", "\n# nothing\n", false},
		{"short hash", "abc123", false},
		{"non hex", strings.Repeat("g", 64), false},
		{"wrong count strict", strings.Join(hashes[:4], "\n"), true},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFingerprintList(tt.text, tt.strict)
			assert.ErrorIs(t, err, apperrors.ErrInvalidFingerprint)
		})
	}

	t.Run("lenient accepts partial list", func(t *testing.T) {
		parsed, err := ParseFingerprintList(strings.Join(hashes[:3], "\n"), false)
		require.NoError(t, err)
		assert.Len(t, parsed, 3)
	})
}

func TestParseCPUInfo(t *testing.T) {
	x86 := `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 158
model name	: Intel(R) Core(TM) i7-8700 CPU @ 3.20GHz
stepping	: 10

processor	: 1
vendor_id	: GenuineIntel
`
	got, err := parseCPUInfo(strings.NewReader(x86))
	require.NoError(t, err)
	assert.Equal(t, "GenuineIntel|6|158|Intel(R) Core(TM) i7-8700 CPU @ 3.20GHz|10", got)

	arm := "processor\t: 0\nHardware\t: BCM2835\nSerial\t\t: 10000000abcdef01\n"
	got, err = parseCPUInfo(strings.NewReader(arm))
	require.NoError(t, err)
	assert.Equal(t, "10000000abcdef01", got)

	_, err = parseCPUInfo(strings.NewReader(""))
	assert.Error(t, err)
}

func TestExtractValue(t *testing.T) {
	wmic := "\r\n\r\nSerialNumber=PF1ABCD\r\n\r\n"
	assert.Equal(t, "PF1ABCD", extractValue(wmic, "SerialNumber", "="))

	ioreg := `    "IOPlatformUUID" = "4C4C4544-0042-3510-8051-B7C04F4E4E32"`
	assert.Equal(t, `"4C4C4544-0042-3510-8051-B7C04F4E4E32"`, extractValue(ioreg, `"IOPlatformUUID"`, "="))

	assert.Equal(t, "", extractValue("nothing here", "Serial Number", ":"))
}

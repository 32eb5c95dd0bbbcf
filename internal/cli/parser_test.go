package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBeforeParse(t *testing.T) {
	p := NewParser("verify", "")
	assert.Equal(t, StatusUndefined, p.Status())
}

func TestPositionalsAndOptions(t *testing.T) {
	var family, config string
	var maxReplicas int
	var checksum bool

	p := NewParser("verify", "Continuous replica integrity sweep").
		Required("family", "database family", &family).
		Option("max-replicas", "inspection window", &maxReplicas).
		Option("config", "configuration file", &config).
		Flag("compute-check-sum", "verify file checksums", &checksum)

	status := p.Parse([]string{"LSST", "--max-replicas=500", "--compute-check-sum", "--config=file:/etc/qserv.toml"})
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, "LSST", family)
	assert.Equal(t, 500, maxReplicas)
	assert.True(t, checksum)
	assert.Equal(t, "file:/etc/qserv.toml", config)

	assert.Equal(t, "LSST --config=file:/etc/qserv.toml --max-replicas=500 --compute-check-sum", p.Serialize())
}

func TestOptionalPositional(t *testing.T) {
	var inURL, outURL string
	var recordSize int64 = 1048576

	p := NewParser("copy-file", "").
		Required("inUrl", "source", &inURL).
		Optional("outUrl", "destination", &outURL).
		Option("record-size", "buffer size in bytes", &recordSize)

	require.Equal(t, StatusSuccess, p.Parse([]string{"file:///a"}))
	assert.Equal(t, "file:///a", inURL)
	assert.Empty(t, outURL)
	assert.Equal(t, int64(1048576), recordSize)

	p2 := NewParser("copy-file", "").
		Required("inUrl", "source", &inURL).
		Optional("outUrl", "destination", &outURL).
		Option("record-size", "buffer size in bytes", &recordSize)
	require.Equal(t, StatusSuccess, p2.Parse([]string{"file:///a", "file:///b", "--record-size=4096"}))
	assert.Equal(t, "file:///b", outURL)
	assert.Equal(t, int64(4096), recordSize)
}

func TestMissingRequired(t *testing.T) {
	var family string
	p := NewParser("verify", "").Required("family", "", &family)

	assert.Equal(t, StatusParsingFailed, p.Parse(nil))
	assert.Contains(t, p.Err().Error(), "family")
}

func TestHelpRequested(t *testing.T) {
	p := NewParser("verify", "sweep")
	assert.Equal(t, StatusHelpRequested, p.Parse([]string{"--help"}))
	assert.Contains(t, p.Usage(), "Usage: verify")
}

func TestUnrecognizedFlagFails(t *testing.T) {
	p := NewParser("verify", "")
	assert.Equal(t, StatusParsingFailed, p.Parse([]string{"--no-such-flag"}))
	assert.Contains(t, p.Err().Error(), "no-such-flag")
}

func TestStandaloneDoubleDashReserved(t *testing.T) {
	p := NewParser("verify", "")
	assert.Equal(t, StatusParsingFailed, p.Parse([]string{"--"}))
}

func TestBadOptionValue(t *testing.T) {
	var n int
	p := NewParser("verify", "").Option("max-replicas", "", &n)
	assert.Equal(t, StatusParsingFailed, p.Parse([]string{"--max-replicas=lots"}))
	assert.Contains(t, p.Err().Error(), "max-replicas")
}

func TestReversedFlag(t *testing.T) {
	progress := true
	p := NewParser("job-rebalance", "").ReversedFlag("no-progress-report", "disable the live report", &progress)
	require.Equal(t, StatusSuccess, p.Parse([]string{"--no-progress-report"}))
	assert.False(t, progress)
}

func TestDurationOption(t *testing.T) {
	var timeout time.Duration
	p := NewParser("verify", "").Option("timeout", "", &timeout)
	require.Equal(t, StatusSuccess, p.Parse([]string{"--timeout=2m30s"}))
	assert.Equal(t, 2*time.Minute+30*time.Second, timeout)
}

func TestCommands(t *testing.T) {
	var service string
	var group string
	var force bool

	p := NewParser("worker-notify", "").Option("service", "worker host:port", &service)
	p.Command("RELOAD_CHUNK_LIST", "reload the chunk inventory")
	add := p.Command("ADD_CHUNK_GROUP", "register a chunk group")
	add.Required("group", "chunk group name", &group).Flag("force", "", &force)

	status := p.Parse([]string{"--service=host:25000", "ADD_CHUNK_GROUP", "grp1", "--force"})
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, "ADD_CHUNK_GROUP", p.CommandName())
	assert.Equal(t, "host:25000", service)
	assert.Equal(t, "grp1", group)
	assert.True(t, force)

	assert.Equal(t, "--service=host:25000 ADD_CHUNK_GROUP grp1 --force", p.Serialize())
}

func TestUnknownCommand(t *testing.T) {
	p := NewParser("worker-notify", "")
	p.Command("TEST_ECHO", "")
	assert.Equal(t, StatusParsingFailed, p.Parse([]string{"FROB"}))
	assert.Contains(t, p.Err().Error(), "FROB")
}

func TestMissingCommand(t *testing.T) {
	p := NewParser("worker-notify", "")
	p.Command("TEST_ECHO", "")
	assert.Equal(t, StatusParsingFailed, p.Parse(nil))
	assert.Contains(t, p.Err().Error(), "TEST_ECHO")
}

func TestSerializeReparses(t *testing.T) {
	build := func(family *string, n *int, checksum *bool) *Parser {
		return NewParser("verify", "").
			Required("family", "", family).
			Option("max-replicas", "", n).
			Flag("compute-check-sum", "", checksum)
	}

	var family string
	var n int
	var checksum bool
	p := build(&family, &n, &checksum)
	require.Equal(t, StatusSuccess, p.Parse([]string{"LSST", "--max-replicas=7", "--compute-check-sum"}))

	var family2 string
	var n2 int
	var checksum2 bool
	p2 := build(&family2, &n2, &checksum2)
	require.Equal(t, StatusSuccess, p2.Parse(strings.Fields(p.Serialize())))
	assert.Equal(t, family, family2)
	assert.Equal(t, n, n2)
	assert.Equal(t, checksum, checksum2)
	assert.Equal(t, p.Serialize(), p2.Serialize())
}

package audit_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/webqx-health/federation/audit"
	"github.com/webqx-health/federation/providers"
)

func TestRecordStampsAndDelivers(t *testing.T) {
	sink := audit.NewMemorySink()
	logger := audit.NewLogger(sink, true)

	logger.Record(audit.Record{
		Kind:     audit.EventLogin,
		Subject:  "u1",
		Provider: "acme",
		Protocol: providers.ProtocolOAuth2,
		Outcome:  audit.OutcomeSuccess,
	})
	logger.Record(audit.Record{
		Kind:    audit.EventLogout,
		Outcome: audit.OutcomeSuccess,
	})

	records := sink.Records()
	require.Len(t, records, 2)
	require.NotEmpty(t, records[0].ID)
	require.Equal(t, uint64(1), records[0].Seq)
	require.Equal(t, uint64(2), records[1].Seq)
	require.False(t, records[0].Time.IsZero())
	require.Equal(t, "u1", records[0].Subject)
	require.Equal(t, "unknown", records[1].Subject)
}

func TestMemorySinkLast(t *testing.T) {
	sink := audit.NewMemorySink()

	_, err := sink.Last()
	require.EqualError(t, err, "[MemorySink.Last] no audit records")

	logger := audit.NewLogger(sink, true)
	logger.Record(audit.Record{Kind: audit.EventLogin, Subject: "u1", Outcome: audit.OutcomeSuccess})
	logger.Record(audit.Record{Kind: audit.EventLogout, Subject: "u1", Outcome: audit.OutcomeSuccess})

	last, err := sink.Last()
	require.NoError(t, err)
	require.Equal(t, audit.EventLogout, last.Kind)
}

func TestDisabledLoggerDrops(t *testing.T) {
	sink := audit.NewMemorySink()
	logger := audit.NewLogger(sink, false)

	logger.Record(audit.Record{Kind: audit.EventLogin, Outcome: audit.OutcomeSuccess})
	require.Empty(t, sink.Records())
}

type failingSink struct{}

func (failingSink) Write(audit.Record) error { return errors.New("sink unavailable") }

type panickingSink struct{}

func (panickingSink) Write(audit.Record) error { panic("sink blew up") }

func TestSinkFailureNeverPropagates(t *testing.T) {
	var fallbackOut bytes.Buffer
	fallback := zerolog.New(&fallbackOut)

	logger := audit.NewLogger(failingSink{}, true, audit.WithFallback(fallback))
	require.NotPanics(t, func() {
		logger.Record(audit.Record{Kind: audit.EventLogin, Outcome: audit.OutcomeSuccess})
	})
	require.Contains(t, fallbackOut.String(), "audit sink write failed")
}

func TestSinkPanicNeverPropagates(t *testing.T) {
	var fallbackOut bytes.Buffer
	fallback := zerolog.New(&fallbackOut)

	logger := audit.NewLogger(panickingSink{}, true, audit.WithFallback(fallback))
	require.NotPanics(t, func() {
		logger.Record(audit.Record{Kind: audit.EventLogout, Outcome: audit.OutcomeSuccess})
	})
	require.Contains(t, fallbackOut.String(), "audit sink panicked")
}

func TestZerologSinkWritesJSONLines(t *testing.T) {
	var out bytes.Buffer
	sink := audit.NewZerologSink(&out)
	logger := audit.NewLogger(sink, true, audit.WithNowFunc(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))

	logger.Record(audit.Record{
		Kind:     audit.EventRefresh,
		Subject:  "u1",
		Provider: "acme",
		Protocol: providers.ProtocolOAuth2,
		Outcome:  audit.OutcomeFailure,
		Reason:   "session expired",
	})

	line := out.String()
	require.Contains(t, line, `"stream":"audit"`)
	require.Contains(t, line, `"kind":"refresh"`)
	require.Contains(t, line, `"outcome":"failure"`)
	require.Contains(t, line, `"reason":"session expired"`)
}

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordInit(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"init","data":{"session_id":"s-1","continuation":"tok"}}`))
	require.NoError(t, err)
	assert.Equal(t, RecordInit, rec.Kind)
	require.NotNil(t, rec.Init)
	assert.Equal(t, "s-1", rec.Init.SessionID)
	assert.Equal(t, ContinuationToken("tok"), rec.Init.Continuation)
}

func TestParseRecordPartial(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"partial","data":{"text":"compiling"}}`))
	require.NoError(t, err)
	assert.Equal(t, RecordPartial, rec.Kind)
	require.NotNil(t, rec.Partial)
	assert.Equal(t, "compiling", rec.Partial.Text)
}

func TestParseRecordResult(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"result","data":{"success":true,"payload":{"score":92},"summary":"fixed"}}`))
	require.NoError(t, err)
	assert.Equal(t, RecordResult, rec.Kind)
	require.NotNil(t, rec.Result)
	assert.True(t, rec.Result.Success)
	assert.JSONEq(t, `{"score":92}`, string(rec.Result.Payload))
	assert.Equal(t, "fixed", rec.Result.Summary)
}

func TestParseRecordResultRequiresData(t *testing.T) {
	_, err := ParseRecord([]byte(`{"type":"result"}`))
	require.Error(t, err)
}

func TestParseRecordUnknownTypeIsNotAnError(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"telemetry","data":{"cpu":0.4}}`))
	require.NoError(t, err)
	assert.Equal(t, RecordUnknown, rec.Kind)
	assert.JSONEq(t, `{"type":"telemetry","data":{"cpu":0.4}}`, string(rec.Raw))
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"not json",
		`{"truncated`,
		`{"data":{"text":"no type"}}`,
		`{"type":"  ","data":{}}`,
	} {
		_, err := ParseRecord([]byte(line))
		require.Error(t, err, "line %q", line)
	}
}

func TestEncodeRecordRoundTrips(t *testing.T) {
	line, err := EncodeRecord(RecordResult, ResultRecord{Success: true, Summary: "ok"})
	require.NoError(t, err)

	rec, err := ParseRecord(line)
	require.NoError(t, err)
	assert.Equal(t, RecordResult, rec.Kind)
	assert.True(t, rec.Result.Success)
	assert.Equal(t, "ok", rec.Result.Summary)
}

func TestTaskValidate(t *testing.T) {
	valid := Task{ID: "t1", Role: RoleProducer, WorkingDir: "/tmp/w"}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.ID = ""
	require.Error(t, missing.Validate())

	badRole := valid
	badRole.Role = "gardener"
	require.Error(t, badRole.Validate())

	noDir := valid
	noDir.WorkingDir = ""
	require.Error(t, noDir.Validate())
}

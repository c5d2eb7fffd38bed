package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/signserver/signing"
)

func TestOperationUnmarshal(t *testing.T) {
	var ops []Operation
	err := json.Unmarshal([]byte(`[
		{"action": "PDFA", "data": {"conformance": "PDF/A-3B"}},
		{"action": "attachment", "data": {"file_name": "a.txt", "attachment_content": "aGVsbG8="}},
		{"action": " presign ", "data": {"certificate_pem": "pem", "reason": "Approve", "sign_rect": {"x": 10, "y": 20, "width": 100, "height": 40}}}
	]`), &ops)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.Equal(t, KindPDFA, ops[0].Kind)
	assert.Equal(t, "PDF/A-3B", ops[0].PDFA.Conformance)
	assert.Equal(t, []byte("hello"), ops[1].Attachment.Content)
	assert.Equal(t, KindPresign, ops[2].Kind)

	field := ops[2].Presign.field()
	assert.Equal(t, "Approve", field.Reason)
	assert.Equal(t, 110.0, field.Rect.URX)
	assert.Equal(t, 60.0, field.Rect.URY)

	require.NoError(t, ValidateOperations(ops))

	b, err := json.Marshal(ops[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"action": "attachment", "data": {"file_name": "a.txt", "attachment_content": "aGVsbG8="}}`, string(b))
}

func TestOperationUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown action", `{"action": "sign-everything"}`},
		{"missing data", `{"action": "presign"}`},
		{"null data", `{"action": "sign-pfx", "data": null}`},
		{"unknown field", `{"action": "pdfa", "data": {"level": "2b"}}`},
		{"wrong type", `{"action": "attachment", "data": {"file_name": 7}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var op Operation
			assert.Error(t, json.Unmarshal([]byte(tt.json), &op))
		})
	}

	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`{"action": "timestamp"}`), &op))
	assert.NotNil(t, op.Timestamp)
}

func TestValidateOperations(t *testing.T) {
	pdfa := Operation{Kind: KindPDFA}
	attach := Operation{Kind: KindAttachment, Attachment: &AttachmentParams{FileName: "a.txt", Content: []byte("a")}}
	stamp := Operation{Kind: KindTimestamp}
	pfx := Operation{Kind: KindSignPFX, SignPFX: &SignPFXParams{Bundle: []byte{1}}}
	presign := Operation{Kind: KindPresign, Presign: &PresignParams{CertificatePEM: "pem"}}

	tests := []struct {
		name string
		ops  []Operation
		kind signing.Kind
	}{
		{"empty", nil, signing.UnsupportedOperation},
		{"presign before pdfa", []Operation{presign, pdfa}, signing.UnsupportedOperation},
		{"two signing steps", []Operation{pfx, presign}, signing.UnsupportedOperation},
		{"timestamp in the middle", []Operation{pdfa, stamp, attach}, signing.UnsupportedOperation},
		{"attachment without content", []Operation{{Kind: KindAttachment, Attachment: &AttachmentParams{FileName: "a"}}}, signing.InvalidInput},
		{"presign without chain", []Operation{{Kind: KindPresign, Presign: &PresignParams{}}}, signing.InvalidInput},
		{"mismatched payload", []Operation{{Kind: KindPresign, PDFA: &PDFAParams{}}}, signing.InvalidInput},
		{"two payloads", []Operation{{Kind: KindPDFA, PDFA: &PDFAParams{}, Timestamp: &TimestampParams{}}}, signing.InvalidInput},
		{"unknown kind", []Operation{{Kind: "ocr"}}, signing.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOperations(tt.ops)
			require.Error(t, err)
			assert.Equal(t, tt.kind, signing.KindOf(err))
		})
	}

	for _, ops := range [][]Operation{
		{pdfa},
		{pdfa, attach, presign},
		{attach, pfx},
		{pdfa, stamp},
	} {
		assert.NoError(t, ValidateOperations(ops))
	}
}

func TestRunTransition(t *testing.T) {
	run := &Run{
		Status:     StatusInProgress,
		Source:     &Source{Documents: [][]byte{{1}}},
		Operations: []Operation{{Kind: KindSignPFX, SignPFX: &SignPFXParams{Bundle: []byte{1}, Password: "secret", TSA: &signing.TSAConfig{URL: "http://tsa", Password: "tsa"}}}},
	}

	require.NoError(t, run.transition(StatusWaitingForSignatures, run.CreatedAt))
	assert.NotNil(t, run.Source, "source is kept while the run is not finished")
	assert.Error(t, run.transition(StatusInProgress, run.CreatedAt))
	assert.Error(t, run.transition(StatusWaitingForSignatures, run.CreatedAt))

	require.NoError(t, run.transition(StatusDone, run.CreatedAt))
	assert.Nil(t, run.Source)
	assert.Nil(t, run.Operations[0].SignPFX.Bundle)
	assert.Empty(t, run.Operations[0].SignPFX.Password)
	assert.Empty(t, run.Operations[0].SignPFX.TSA.Password)
	assert.Equal(t, "http://tsa", run.Operations[0].SignPFX.TSA.URL)

	for _, to := range []Status{StatusInProgress, StatusWaitingForSignatures, StatusDone, StatusError} {
		assert.Error(t, run.transition(to, run.CreatedAt), "done is terminal")
	}

	waiting := &Run{Status: StatusWaitingForSignatures, Source: &Source{Documents: [][]byte{{1}}}}
	require.NoError(t, waiting.transition(StatusError, waiting.CreatedAt))
	assert.Nil(t, waiting.Source)
}

func TestRunExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := &Run{Pending: []PendingSignature{
		{Handle: "h1"},
		{Handle: "h2", ExpiresAt: now.Add(time.Hour)},
	}}
	assert.False(t, run.expired(now))
	assert.True(t, run.expired(now.Add(2*time.Hour)))
	assert.False(t, (&Run{}).expired(now))
}

func TestRunView(t *testing.T) {
	run := &Run{
		ID:        "id",
		Status:    StatusWaitingForSignatures,
		Documents: [][]byte{{1}},
		Pending:   []PendingSignature{{Handle: "h1", HashToSign: "ab"}},
	}
	v := run.View()
	assert.Equal(t, []PendingView{{ID: "h1", HashToSign: "ab"}}, v.PendingSignatures)
	assert.Nil(t, v.Results)

	run.Status = StatusDone
	v = run.View()
	assert.Nil(t, v.PendingSignatures)
	assert.Equal(t, [][]byte{{1}}, v.Results)
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/reconcile"
)

func sign(t *testing.T, secret, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_ValidAndInvalid(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{"id":"1"}`)

	assert.True(t, VerifySignature(body, sign(t, secret, body), secret))
	assert.False(t, VerifySignature(body, sign(t, []byte("wrong"), body), secret))
	assert.False(t, VerifySignature(body, "not-base64!!", secret))
	assert.False(t, VerifySignature([]byte(`{"id":"2"}`), sign(t, secret, body), secret))
}

func TestMapEvent_UserCreateIsUpsert(t *testing.T) {
	p := Payload{ResourceType: ResourceUser, OperationType: OperationCreate, ResourcePath: "users/alice-id"}
	ev, err := mapEvent(p)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, reconcile.ActionUpsert, ev.Action)
	assert.Equal(t, "alice-id", ev.Principal)
	assert.False(t, ev.IsPasswordChange)
}

func TestMapEvent_PasswordResetIsTaggedPasswordChange(t *testing.T) {
	plaintext := "s3cr3t"
	p := Payload{
		ResourceType: ResourceUser, OperationType: OperationUpdate,
		ResourcePath: "users/alice-id/reset-password", PlaintextPassword: &plaintext,
	}
	ev, err := mapEvent(p)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.IsPasswordChange)
	require.NotNil(t, ev.PlaintextPassword)
	assert.Equal(t, plaintext, *ev.PlaintextPassword)
}

func TestMapEvent_UserDeleteIsDelete(t *testing.T) {
	p := Payload{ResourceType: ResourceUser, OperationType: OperationDelete, ResourcePath: "users/bob-id"}
	ev, err := mapEvent(p)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, reconcile.ActionDelete, ev.Action)
}

func TestMapEvent_ClientMapsToServiceAccountPrincipal(t *testing.T) {
	p := Payload{ResourceType: ResourceClient, OperationType: OperationCreate, ResourcePath: "clients/my-app"}
	ev, err := mapEvent(p)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "service-account-my-app", ev.Principal)
	assert.Equal(t, reconcile.ActionUpsert, ev.Action)
}

func TestMapEvent_UnhandledCombinationIsDropped(t *testing.T) {
	p := Payload{ResourceType: "REALM", OperationType: OperationUpdate, ResourcePath: "realms/test"}
	ev, err := mapEvent(p)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestMapEvent_UnparsableResourcePathErrors(t *testing.T) {
	p := Payload{ResourceType: ResourceUser, OperationType: OperationCreate, ResourcePath: "garbage"}
	_, err := mapEvent(p)
	require.Error(t, err)
}

func TestAccept_RejectsBadSignature(t *testing.T) {
	p := NewPipeline([]byte("secret"), nil, noopMetrics{}, RetryPolicy{}, 10, 1)
	err := p.Accept([]byte(`{}`), "bad-sig")
	require.ErrorIs(t, err, kcerr.ErrSignatureInvalid)
}

func TestAccept_RejectsMalformedPayload(t *testing.T) {
	secret := []byte("secret")
	p := NewPipeline(secret, nil, noopMetrics{}, RetryPolicy{}, 10, 1)
	body := []byte(`not-json`)
	err := p.Accept(body, sign(t, secret, body))
	require.ErrorIs(t, err, kcerr.ErrPayloadInvalid)
}

func TestAccept_QueueFullReturnsError(t *testing.T) {
	secret := []byte("secret")
	p := NewPipeline(secret, nil, noopMetrics{}, RetryPolicy{}, 1, 1)

	body, err := json.Marshal(Payload{ResourceType: ResourceUser, OperationType: OperationCreate, ResourcePath: "users/a"})
	require.NoError(t, err)
	require.NoError(t, p.Accept(body, sign(t, secret, body)))

	body2, err := json.Marshal(Payload{ResourceType: ResourceUser, OperationType: OperationCreate, ResourcePath: "users/b"})
	require.NoError(t, err)
	err = p.Accept(body2, sign(t, secret, body2))
	require.ErrorIs(t, err, kcerr.ErrQueueFull)
}

func TestAccept_DroppedCombinationDoesNotEnqueue(t *testing.T) {
	secret := []byte("secret")
	p := NewPipeline(secret, nil, noopMetrics{}, RetryPolicy{}, 10, 1)

	body, err := json.Marshal(Payload{ResourceType: "REALM", OperationType: OperationUpdate, ResourcePath: "realms/test"})
	require.NoError(t, err)
	require.NoError(t, p.Accept(body, sign(t, secret, body)))
	assert.Equal(t, 0, p.Len())
}

type noopMetrics struct{}

func (noopMetrics) IncWebhookReceived(result string)      {}
func (noopMetrics) IncSignatureFailure()                  {}
func (noopMetrics) IncRetry(reason string, attempt int)   {}
func (noopMetrics) SetQueueBacklog(n int)                 {}

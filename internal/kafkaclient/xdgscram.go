package kafkaclient

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/xdg-go/scram"

	localscram "github.com/scramsync/kcsync/internal/scram"
)

// xdgClient adapts xdg-go/scram's conversation state machine to sarama's
// SCRAMClient interface, used for the admin connection's own SASL/SCRAM
// handshake (distinct from the downstream credentials this package manages).
type xdgClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func newXDGClient(mechanism localscram.Mechanism) *xdgClient {
	var gen scram.HashGeneratorFcn
	switch mechanism {
	case localscram.SHA512:
		gen = func() hash.Hash { return sha512.New() }
	default:
		gen = func() hash.Hash { return sha256.New() }
	}
	return &xdgClient{HashGeneratorFcn: gen}
}

func (x *xdgClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.Client = client
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgClient) Done() bool {
	return x.ClientConversation.Done()
}

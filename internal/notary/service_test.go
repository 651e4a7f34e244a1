// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notary

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/codec"
	"github.com/tombee/ledgerflow/internal/crypto"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

const testKey = "notary-key"

type countingSigner struct {
	crypto.Signer
	calls atomic.Int32

	mu   sync.Mutex
	fail error
}

func (c *countingSigner) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *countingSigner) Sign(ctx context.Context, digest []byte, keyID string) ([]byte, error) {
	c.calls.Add(1)
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.Signer.Sign(ctx, digest, keyID)
}

func newService(t *testing.T, tweak ...func(*Config)) (*Service, *countingSigner, ed25519.PublicKey) {
	t.Helper()
	ring := crypto.NewKeyRing()
	pub, err := ring.Generate(testKey)
	require.NoError(t, err)
	signer := &countingSigner{Signer: ring}

	cfg := Config{
		Provider:    uniqueness.NewProvider(uniqueness.NewMemoryLog(), uniqueness.WithLogger(lflog.Discard())),
		Signer:      signer,
		KeyID:       testKey,
		BatchWindow: 5 * time.Millisecond,
		Logger:      lflog.Discard(),
	}
	for _, f := range tweak {
		f(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, signer, pub
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Config{})
	var ce *lferrors.ConfigError
	assert.ErrorAs(t, err, &ce)

	_, err = NewService(Config{Provider: uniqueness.NewProvider(uniqueness.NewMemoryLog())})
	assert.ErrorAs(t, err, &ce)
}

func TestNotariseSignsAndConflicts(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()

	resp, err := svc.Notarise(ctx, "alice", Request{TxID: "T1", Inputs: []string{"R1", "R2"}})
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.Status)
	assert.NoError(t, resp.Signature.Verify(pub))
	assert.Equal(t, "T1", resp.Signature.TxID)

	resp, err = svc.Notarise(ctx, "bob", Request{TxID: "T2", Inputs: []string{"R2"}})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, resp.Status)
	assert.Equal(t, map[string]string{"R2": "T1"}, resp.Winners)

	// a recovering client resubmits and gets a fresh certificate
	resp, err = svc.Notarise(ctx, "alice", Request{TxID: "T1", Inputs: []string{"R1", "R2"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, resp.Status)
}

func TestRequestsInOneWindowShareOneSignature(t *testing.T) {
	svc, signer, pub := newService(t, func(c *Config) { c.BatchWindow = 200 * time.Millisecond })

	var wg sync.WaitGroup
	resps := make([]*Response, 4)
	for i := range resps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{TxID: string(rune('A' + i)), Inputs: []string{string(rune('a' + i))}}
			r, err := svc.Notarise(context.Background(), "alice", req)
			assert.NoError(t, err)
			resps[i] = r
		}(i)
	}
	wg.Wait()

	root := resps[0].Signature.Root
	for _, r := range resps {
		require.Equal(t, StatusSigned, r.Status)
		assert.Equal(t, root, r.Signature.Root)
		assert.NoError(t, r.Signature.Verify(pub))
	}
	assert.Equal(t, int32(1), signer.calls.Load())
}

func TestConflictingRequestDoesNotBlockItsBatch(t *testing.T) {
	svc, _, _ := newService(t, func(c *Config) { c.BatchWindow = 100 * time.Millisecond })

	_, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T0", Inputs: []string{"X"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var loser, winner *Response
	wg.Add(2)
	go func() {
		defer wg.Done()
		loser, _ = svc.Notarise(context.Background(), "bob", Request{TxID: "T1", Inputs: []string{"X", "Y"}})
	}()
	go func() {
		defer wg.Done()
		winner, _ = svc.Notarise(context.Background(), "carol", Request{TxID: "T2", Inputs: []string{"Z"}})
	}()
	wg.Wait()

	require.NotNil(t, loser)
	require.NotNil(t, winner)
	assert.Equal(t, StatusConflict, loser.Status)
	assert.Equal(t, StatusSigned, winner.Status)
}

func TestNotariseRejections(t *testing.T) {
	admission, err := CompileAdmission(`party != "mallory" && len(inputs) <= 2`)
	require.NoError(t, err)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newService(t, func(c *Config) {
		c.Admission = admission
		c.Provider = uniqueness.NewProvider(uniqueness.NewMemoryLog(), uniqueness.WithClock(func() time.Time { return now }))
	})
	ctx := context.Background()

	tests := []struct {
		name  string
		party string
		req   Request
		code  string
	}{
		{"missing inputs", "alice", Request{TxID: "T1"}, CodeInvalidRequest},
		{"denied party", "mallory", Request{TxID: "T2", Inputs: []string{"R"}}, CodeAdmissionDenied},
		{"too many inputs", "alice", Request{TxID: "T3", Inputs: []string{"a", "b", "c"}}, CodeAdmissionDenied},
		{"expired", "alice", Request{TxID: "T4", Inputs: []string{"R4"}, Window: uniqueness.TimeWindow{NotAfter: now.Add(-time.Second)}}, CodeTimeWindowInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Notarise(ctx, tt.party, tt.req)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, resp.Status)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestCompileAdmissionRejectsBadRule(t *testing.T) {
	_, err := CompileAdmission(`party +`)
	var ce *lferrors.ConfigError
	assert.ErrorAs(t, err, &ce)

	_, err = CompileAdmission(`"not a bool"`)
	assert.Error(t, err)
}

func TestPassiveReplicaIsTransient(t *testing.T) {
	var active atomic.Bool
	svc, _, _ := newService(t, func(c *Config) { c.Active = active.Load })

	_, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	require.ErrorIs(t, err, ErrPassive)
	assert.True(t, lferrors.IsRetryable(err))

	active.Store(true)
	resp, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, resp.Status)
}

func TestRateLimitPerParty(t *testing.T) {
	svc, _, _ := newService(t, func(c *Config) {
		c.RatePerParty = 0.001
		c.RateBurst = 1
	})
	ctx := context.Background()

	_, err := svc.Notarise(ctx, "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	require.NoError(t, err)
	_, err = svc.Notarise(ctx, "alice", Request{TxID: "T2", Inputs: []string{"R2"}})
	assert.True(t, lferrors.IsRetryable(err))

	// other parties have their own budget
	_, err = svc.Notarise(ctx, "bob", Request{TxID: "T3", Inputs: []string{"R3"}})
	assert.NoError(t, err)
}

func TestSigningFailureIsTransientAndCommitStands(t *testing.T) {
	svc, signer, pub := newService(t)
	signer.setFail(errors.New("hsm offline"))

	_, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	require.Error(t, err)
	assert.True(t, lferrors.IsRetryable(err))

	signer.setFail(nil)
	resp, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.Status)
	assert.NoError(t, resp.Signature.Verify(pub))
}

func TestOperationRoundTrip(t *testing.T) {
	svc, _, pub := newService(t)
	op := svc.Operation()

	in, err := codec.Default.Marshal(commitInput{Party: "alice", Request: Request{TxID: "T1", Inputs: []string{"R1"}}})
	require.NoError(t, err)
	out, err := op(context.Background(), in)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, codec.Default.Unmarshal(out, &resp))
	require.Equal(t, StatusSigned, resp.Status)
	assert.NoError(t, resp.Signature.Verify(pub))

	_, err = op(context.Background(), []byte("{"))
	var ve *lferrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestStoppedServiceFailsTransiently(t *testing.T) {
	ring := crypto.NewKeyRing()
	_, err := ring.Generate(testKey)
	require.NoError(t, err)
	svc, err := NewService(Config{
		Provider: uniqueness.NewProvider(uniqueness.NewMemoryLog()),
		Signer:   ring, KeyID: testKey, Logger: lflog.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.Run(ctx))

	_, err = svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
	assert.True(t, lferrors.IsRetryable(err))
}

// A request that lands in the queue after Run has drained it still gets
// an answer once the service stops.
func TestRequestQueuedAfterDrainFailsTransiently(t *testing.T) {
	ring := crypto.NewKeyRing()
	_, err := ring.Generate(testKey)
	require.NoError(t, err)
	svc, err := NewService(Config{
		Provider: uniqueness.NewProvider(uniqueness.NewMemoryLog()),
		Signer:   ring, KeyID: testKey, Logger: lflog.Discard(),
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Notarise(context.Background(), "alice", Request{TxID: "T1", Inputs: []string{"R1"}})
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(svc.queue) == 1 }, 5*time.Second, time.Millisecond)
	close(svc.stopCh)

	select {
	case err := <-errc:
		assert.True(t, lferrors.IsRetryable(err))
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Notarise did not return after the service stopped")
	}
}

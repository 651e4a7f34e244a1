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

package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/crypto"
	"github.com/tombee/ledgerflow/internal/notary"
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
)

type fixture struct {
	dir    string
	pub    string
	ts     *batchsign.TransactionSignature
	sigRaw string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ring := crypto.NewKeyRing()
	pub, err := ring.Generate("notary-1")
	require.NoError(t, err)
	bs, err := batchsign.Sign(context.Background(), []string{"T1", "T2", "T3"}, ring, "notary-1")
	require.NoError(t, err)
	ts, err := batchsign.ProofFor(bs, "T2")
	require.NoError(t, err)

	f := &fixture{dir: t.TempDir(), pub: crypto.EncodePublicKey(pub), ts: ts}
	f.sigRaw = f.write(t, "sig.json", ts)
	return f
}

func (f *fixture) write(t *testing.T, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewProofCommand()
	// the root command silences these in the real binary
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"verify"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVerifyWithPublicKey(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, f.sigRaw, "--public-key", f.pub, "--tx-id", "T2")
	require.NoError(t, err)
	assert.Contains(t, out, "Signature valid")
	assert.Contains(t, out, "transaction: T2")
	assert.Contains(t, out, "root:        "+f.ts.Root.String())
}

func TestVerifyNotaryResponseWithNetworkMap(t *testing.T) {
	f := newFixture(t)
	resp := f.write(t, "resp.json", notary.Response{Status: notary.StatusSigned, Signature: f.ts})
	mapPath := filepath.Join(f.dir, "network.yaml")
	doc := fmt.Sprintf("parties:\n  - name: alice\n    address: 127.0.0.1:7001\n  - name: notary\n    address: 127.0.0.1:7002\n    public_key: %s\n    notary: true\n", f.pub)
	require.NoError(t, os.WriteFile(mapPath, []byte(doc), 0o600))

	_, err := run(t, resp, "--network-map", mapPath, "--notary", "notary")
	require.NoError(t, err)

	_, err = run(t, resp, "--network-map", mapPath, "--notary", "alice")
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))

	_, err = run(t, resp, "--network-map", mapPath, "--notary", "bob")
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestVerifyRejectsTampering(t *testing.T) {
	f := newFixture(t)

	forged := *f.ts
	forged.TxID = "T9"
	path := f.write(t, "forged.json", &forged)
	_, err := run(t, path, "--public-key", f.pub)
	require.Error(t, err)
	assert.True(t, errors.Is(err, batchsign.ErrInvalidSignature))
	assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))

	other := crypto.NewKeyRing()
	otherPub, err := other.Generate("other")
	require.NoError(t, err)
	_, err = run(t, f.sigRaw, "--public-key", crypto.EncodePublicKey(otherPub))
	assert.True(t, errors.Is(err, batchsign.ErrInvalidSignature))
}

func TestVerifyJSON(t *testing.T) {
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	f := newFixture(t)
	forged := *f.ts
	forged.TxID = "T1"
	path := f.write(t, "forged.json", &forged)

	out, err := run(t, path, "--public-key", f.pub)
	require.Error(t, err)
	var res Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Equal(t, "T1", res.TxID)
	assert.NotEmpty(t, res.Error)
}

func TestVerifyInputErrors(t *testing.T) {
	f := newFixture(t)

	_, err := run(t, f.sigRaw, "--public-key", f.pub, "--tx-id", "T1")
	assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))

	_, err = run(t, f.sigRaw)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))

	_, err = run(t, f.sigRaw, "--public-key", "not-base64!")
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))

	rejected := f.write(t, "rejected.json", notary.Response{Status: notary.StatusConflict, Winners: map[string]string{"R1": "T0"}})
	_, err = run(t, rejected, "--public-key", f.pub)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))

	_, err = run(t, filepath.Join(f.dir, "missing.json"), "--public-key", f.pub)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
}

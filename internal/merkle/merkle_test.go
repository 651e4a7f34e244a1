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

package merkle

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("tx-%03d", i))
	}
	return out
}

func TestBuildOddLevelDuplicatesLast(t *testing.T) {
	tree, err := Build(leaves(3))
	require.NoError(t, err)

	h0, h1, h2 := tree.Leaf(0), tree.Leaf(1), tree.Leaf(2)
	n1 := NodeHash(h0, h1)
	n2 := NodeHash(h2, h2)
	assert.Equal(t, NodeHash(n1, n2), tree.Root())
	assert.Equal(t, 3, tree.Len())
	assert.Len(t, tree.Levels, 3)
}

func TestBuildEmpty(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	tree, err := Build([][]byte{[]byte("only")})
	require.NoError(t, err)
	assert.Equal(t, LeafHash([]byte("only")), tree.Root())

	p, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, p.Path)
	assert.True(t, p.Verify(tree.Root()))
}

func TestLeafAndNodeDomainsDiffer(t *testing.T) {
	a, b := LeafHash([]byte("a")), LeafHash([]byte("b"))
	concat := append(append([]byte{}, a[:]...), b[:]...)
	assert.NotEqual(t, NodeHash(a, b), LeafHash(concat))
}

func TestProofsVerifyForEveryLeaf(t *testing.T) {
	for n := 1; n <= 17; n++ {
		tree, err := Build(leaves(n))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			p, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, p.Verify(tree.Root()), "n=%d i=%d", n, i)
		}
	}
}

func TestProofRejectsTampering(t *testing.T) {
	tree, err := Build(leaves(5))
	require.NoError(t, err)
	p, err := tree.Proof(4)
	require.NoError(t, err)

	bad := *p
	bad.Leaf = LeafHash([]byte("forged"))
	assert.False(t, bad.Verify(tree.Root()))

	flipped := *p
	flipped.Path = append([]Step(nil), p.Path...)
	flipped.Path[2].Side = Right
	assert.False(t, flipped.Verify(tree.Root()))

	invalid := *p
	invalid.Path = []Step{{Side: "X"}}
	_, err = invalid.ComputeRoot()
	assert.Error(t, err)
}

func TestProofOutOfRange(t *testing.T) {
	tree, err := Build(leaves(2))
	require.NoError(t, err)
	_, err = tree.Proof(2)
	assert.Error(t, err)
	_, err = tree.Proof(-1)
	assert.Error(t, err)
}

func TestTreeJSONAndValidate(t *testing.T) {
	tree, err := Build(leaves(6))
	require.NoError(t, err)

	b, err := json.Marshal(tree)
	require.NoError(t, err)
	var back Tree
	require.NoError(t, json.Unmarshal(b, &back))
	require.NoError(t, back.Validate())
	assert.Equal(t, tree.Root(), back.Root())

	back.Levels[1][0] = LeafHash([]byte("x"))
	assert.Error(t, back.Validate())
}

func TestParseHash(t *testing.T) {
	h := LeafHash([]byte("abc"))
	got, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

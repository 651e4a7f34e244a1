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

import "fmt"

// Side says which side of the running hash a sibling sits on.
type Side string

const (
	Left  Side = "L"
	Right Side = "R"
)

// Step is one level of an inclusion proof.
type Step struct {
	Side    Side `json:"side"`
	Sibling Hash `json:"sibling"`
}

// Proof shows that a leaf is included under a root.
type Proof struct {
	Index int    `json:"index"`
	Leaf  Hash   `json:"leaf"`
	Path  []Step `json:"path"`
}

// Proof returns the inclusion proof for leaf i.
func (t *Tree) Proof(i int) (*Proof, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", i, t.Len())
	}
	p := &Proof{Index: i, Leaf: t.Levels[0][i]}
	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			sib := level[idx]
			if idx+1 < len(level) {
				sib = level[idx+1]
			}
			p.Path = append(p.Path, Step{Side: Right, Sibling: sib})
		} else {
			p.Path = append(p.Path, Step{Side: Left, Sibling: level[idx-1]})
		}
		idx /= 2
	}
	return p, nil
}

// ComputeRoot folds the path over the leaf.
func (p *Proof) ComputeRoot() (Hash, error) {
	cur := p.Leaf
	for n, s := range p.Path {
		switch s.Side {
		case Left:
			cur = NodeHash(s.Sibling, cur)
		case Right:
			cur = NodeHash(cur, s.Sibling)
		default:
			return Hash{}, fmt.Errorf("merkle: step %d has invalid side %q", n, s.Side)
		}
	}
	return cur, nil
}

// Verify reports whether the proof leads to root.
func (p *Proof) Verify(root Hash) bool {
	got, err := p.ComputeRoot()
	return err == nil && got == root
}

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

package codec

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
)

const (
	// NameJSON identifies the JSON codec.
	NameJSON = "json"
	// NameCanonical identifies the RFC 8785 canonical JSON codec.
	NameCanonical = "jcs"
)

// JSON encodes with encoding/json. Struct fields keep declaration order and
// map keys are sorted, which is enough for values produced by this module.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Canonical encodes JSON in RFC 8785 form, so bytes that get hashed or
// signed match across implementations. Numbers are IEEE doubles in this
// form; integers above 2^53 must be carried as strings.
type Canonical struct{}

// Name implements Codec.
func (Canonical) Name() string { return NameCanonical }

// Marshal implements Codec.
func (Canonical) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Unmarshal implements Codec.
func (Canonical) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

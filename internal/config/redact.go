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


package config

import (
	"maps"
	"net/url"
)

// Redacted is the placeholder written over secret values.
const Redacted = "[REDACTED]"

// Redact returns a copy of c with every credential replaced by Redacted,
// suitable for printing or logging.
func (c *Config) Redact() *Config {
	out := *c
	out.Transport.Token = mask(c.Transport.Token)
	out.Admin.JWTSecret = mask(c.Admin.JWTSecret)
	out.Notary.CommitLog.Redis.Password = mask(c.Notary.CommitLog.Redis.Password)
	out.Notary.CommitLog.Postgres.URL = redactURL(c.Notary.CommitLog.Postgres.URL)
	out.Checkpoint.Postgres.URL = redactURL(c.Checkpoint.Postgres.URL)
	if c.Observability.Headers != nil {
		out.Observability.Headers = maps.Clone(c.Observability.Headers)
		for k, v := range out.Observability.Headers {
			out.Observability.Headers[k] = mask(v)
		}
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return Redacted
}

// redactURL hides the password of a connection URL. Unparseable values
// are masked entirely since they may still hold credentials.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Redacted
	}
	return u.Redacted()
}

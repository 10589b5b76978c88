// Copyright 2025 AUTHORS
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

package runtime

import "strings"

// mergeEnv combines curEnv (the "K=V" sequence already present on the
// create-options, if any) with newEnv (the caller-supplied mapping).
// Entries from curEnv win on a key collision: the existing container
// environment takes precedence over what the Management API supplied.
// This is the opposite of what most merge functions do and is
// preserved deliberately for compatibility with callers that already
// depend on it.
func mergeEnv(curEnv []string, newEnv map[string]string) []string {
	merged := make(map[string]string, len(newEnv)+len(curEnv))
	for k, v := range newEnv {
		merged[k] = v
	}
	for _, kv := range curEnv {
		k, v := splitEnvEntry(kv)
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func splitEnvEntry(kv string) (string, string) {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i], kv[i+1:]
	}
	return kv, ""
}

// envFromBody extracts the "Env" entry of a create-options body, if
// present, as an ordered string slice. Engine bodies decoded from JSON
// hold it as []any; a body built in-process may hold it as []string.
func envFromBody(body map[string]any) []string {
	raw, ok := body["Env"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// labelsFromBody extracts the "Labels" entry of a create-options body,
// if present, as a string map. Engine bodies decoded from JSON hold it
// as map[string]any; a body built in-process may hold it as
// map[string]string.
func labelsFromBody(body map[string]any) map[string]string {
	raw, ok := body["Labels"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// mergeLabels combines curLabels (already present on the create-
// options, if any) with the owner label every module this runtime
// creates must carry. The owner label always wins, since ownership
// marking is not something a caller-supplied label set may override.
func mergeLabels(curLabels map[string]string, ownerKey, ownerValue string) map[string]string {
	merged := make(map[string]string, len(curLabels)+1)
	for k, v := range curLabels {
		merged[k] = v
	}
	merged[ownerKey] = ownerValue
	return merged
}

// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"regexp"
)

var (
	// webhook endpoints carry the access token, and the HMAC signature when
	// signing is enabled, as query parameters
	tokenPatterns = `((access_token|secret|signature|sign)=)([^&\s"']+)`
	tokenRegexp   = regexp.MustCompile(tokenPatterns)

	passwordPatterns = `("?password"?\s*[:=]\s*"?)([^",\s]+)("?)`
	passwordRegexp   = regexp.MustCompile(passwordPatterns)

	// HideSensitive is used to replace credential material with `******` in log.
	HideSensitive = func(input string) string {
		output := tokenRegexp.ReplaceAllString(input, "$1******")
		output = passwordRegexp.ReplaceAllString(output, "$1******$3")
		return output
	}
)

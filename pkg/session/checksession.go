// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"fmt"
	"html/template"
)

// checkSessionTemplate is the OP iframe of OIDC Session Management. A
// relying party posts "client_id session_state" and receives one of
// changed, unchanged or error back. The session state is
// base64url(sha256(client_id + " " + origin + " " + browser_state + " " + salt)) + "." + salt,
// where browser_state is the session cookie value.
var checkSessionTemplate = template.Must(template.New("checksession").Parse(`<!DOCTYPE html>
<html>
<head><title>Check Session</title></head>
<body>
<script>
"use strict";

function readCookie(name) {
	var prefix = name + "=";
	var parts = document.cookie.split(";");
	for (var i = 0; i < parts.length; i++) {
		var part = parts[i].trim();
		if (part.indexOf(prefix) === 0) {
			return part.substring(prefix.length);
		}
	}
	return "";
}

async function sessionState(clientId, origin, salt) {
	var browserState = readCookie({{.CookieName}});
	var data = clientId + " " + origin + " " + browserState + " " + salt;
	var digest = await crypto.subtle.digest("SHA-256", new TextEncoder().encode(data));
	var encoded = btoa(String.fromCharCode.apply(null, new Uint8Array(digest)))
		.replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
	return encoded + "." + salt;
}

window.addEventListener("message", function (e) {
	var parts = typeof e.data === "string" ? e.data.split(" ") : [];
	if (parts.length !== 2) {
		e.source.postMessage("error", e.origin);
		return;
	}
	var clientId = parts[0];
	var stateParts = parts[1].split(".");
	if (stateParts.length !== 2) {
		e.source.postMessage("error", e.origin);
		return;
	}
	sessionState(clientId, e.origin, stateParts[1]).then(function (computed) {
		e.source.postMessage(computed === parts[1] ? "unchanged" : "changed", e.origin);
	}).catch(function () {
		e.source.postMessage("error", e.origin);
	});
}, false);
</script>
</body>
</html>
`))

// CheckSessionPage renders the monitoring iframe bound to the given
// cookie.
func CheckSessionPage(cookie CookieConfig) ([]byte, error) {
	cookie = cookie.withDefaults()
	var buf bytes.Buffer
	if err := checkSessionTemplate.Execute(&buf, map[string]string{"CookieName": cookie.Name}); err != nil {
		return nil, fmt.Errorf("failed to render the check_session page: %w", err)
	}
	return buf.Bytes(), nil
}

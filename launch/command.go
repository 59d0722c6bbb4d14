package launch

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Command renders the shell command a launched daemon process should
// run to dial desc (spec §4.7 — "emits... a shell command string that
// when executed on a remote host starts a daemon dialing the host's URL
// with the correct TLS certificate embedded"). It matches
// cmd/taskdaemon's go-flags CLI surface exactly.
func Command(desc Descriptor) string {
	var args = []string{"taskdaemon", "--dial", shellQuote(desc.URL)}

	if len(desc.TrustedCertPEM) > 0 {
		args = append(args, "--tls", shellQuote(base64.StdEncoding.EncodeToString(desc.TrustedCertPEM)))
	}
	if desc.ConnectToken != "" {
		args = append(args, "--token", shellQuote(desc.ConnectToken))
	}
	if desc.HasRandSeed {
		args = append(args, "--rs", strconv.FormatInt(desc.RandSeed, 10))
	}

	return strings.Join(args, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Package secrets redacts credentials from span tags before events leave
// the process. Detection uses the Gitleaks default rule set; a project
// .gitleaks.toml and an optional user file can allowlist known values.
package secrets

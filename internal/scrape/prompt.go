package scrape

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// BuildTaskPrompt returns the instructions for the browsing agent. Credentials
// and the exclusion list are referenced by secret name only.
func BuildTaskPrompt(portalURL, positionName, companyName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Goal\nLog in to %s using the `username` and `password` secrets.\n", portalURL)
	fmt.Fprintf(&b, "Find the position titled %q", positionName)
	if companyName != "" {
		fmt.Fprintf(&b, " at %q", companyName)
	}
	b.WriteString(" and open the list of all its candidates (the internal, non-public section).\n\n")
	b.WriteString("For every candidate extract:\n  - first_name\n  - last_name\n  - email\n  - phone\n\n")
	b.WriteString("## Duplicates\n")
	b.WriteString("1. Normalize the phone number: keep digits only; a leading + or 00 marks the country code; drop leading zeros.\n")
	b.WriteString("2. Compute sha256 of the normalized digits as lowercase hex.\n")
	b.WriteString("3. The secret `skip_hashes_csv` holds a comma-separated list of known hashes. Skip any candidate whose hash is listed.\n\n")
	b.WriteString("## Output\nReturn a single JSON array matching the `structured_output_json` schema. Leave unknown fields empty.\n")
	return b.String()
}

// AllowedDomain returns the host the agent may browse for portalURL.
func AllowedDomain(portalURL string) (string, error) {
	u, err := url.Parse(portalURL)
	if err != nil {
		return "", eris.Wrap(err, "scrape: parse portal url")
	}
	if u.Host == "" {
		return "", eris.Errorf("scrape: portal url %q has no host", portalURL)
	}
	return u.Host, nil
}

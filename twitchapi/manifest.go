package twitchapi

import "strings"

// ParseRenditions extracts the NAME of every #EXT-X-MEDIA line of an HLS master
// playlist. The source rendition's " (source)" suffix is dropped and the
// "best"/"worst" aliases, which the capture tool always resolves, are appended.
func ParseRenditions(manifest string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(q string) {
		if q == "" || seen[q] {
			return
		}
		seen[q] = true
		out = append(out, q)
	}
	for _, line := range strings.Split(manifest, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#EXT-X-MEDIA:") {
			continue
		}
		name := attribute(line, "NAME")
		add(strings.TrimSuffix(name, " (source)"))
	}
	add("best")
	add("worst")
	return out
}

// attribute returns the value of key in an HLS attribute list, quoted or not.
func attribute(line, key string) string {
	idx := strings.Index(line, ":")
	if idx == -1 {
		return ""
	}
	rest := line[idx+1:]
	for rest != "" {
		eq := strings.Index(rest, "=")
		if eq == -1 {
			return ""
		}
		k := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]
		var v string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end == -1 {
				return ""
			}
			v = rest[1 : end+1]
			rest = rest[end+2:]
		} else {
			end := strings.Index(rest, ",")
			if end == -1 {
				end = len(rest)
			}
			v = rest[:end]
			rest = rest[end:]
		}
		rest = strings.TrimPrefix(rest, ",")
		if k == key {
			return v
		}
	}
	return ""
}

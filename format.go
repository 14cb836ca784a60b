package mapcache

import "fmt"

// FormatBytes renders n with a binary unit, for example "1.5 MB".
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB", "TB"}

	neg := n < 0
	if neg {
		n = -n
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}

	s := fmt.Sprintf("%.2f", v)
	// trim trailing zeros so 1024 reads "1 KB" and 1536 "1.5 KB"
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	if neg {
		s = "-" + s
	}
	return s + " " + units[i]
}

package types

import "fmt"

// FormatMemory formats bytes as a human-readable string
func FormatMemory(bytes int64) string {
	if bytes == 0 {
		return "0"
	}

	const (
		Ki = 1024
		Mi = 1024 * Ki
		Gi = 1024 * Mi
		Ti = 1024 * Gi
	)

	switch {
	case bytes >= Ti:
		return fmt.Sprintf("%.1fTi", float64(bytes)/float64(Ti))
	case bytes >= Gi:
		return fmt.Sprintf("%.1fGi", float64(bytes)/float64(Gi))
	case bytes >= Mi:
		return fmt.Sprintf("%.0fMi", float64(bytes)/float64(Mi))
	case bytes >= Ki:
		return fmt.Sprintf("%.0fKi", float64(bytes)/float64(Ki))
	case bytes < 0:
		return "-" + FormatMemory(-bytes)
	default:
		return fmt.Sprintf("%d", bytes)
	}
}

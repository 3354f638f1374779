package instance

import "os"

const envInstanceID = "STOREFRONT_INSTANCE_ID"

// GetID identifies this process in logs and lock ownership. It falls back to
// the hostname, which is the pod name under Kubernetes.
func GetID() string {
	if id := os.Getenv(envInstanceID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

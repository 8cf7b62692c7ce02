package agentruntime

import (
	"strconv"
	"strings"
)

// LocalPrefix is the exec prefix of the local backend.
func LocalPrefix() string { return "" }

// SSHPrefix returns "ssh <host> [-p <port>] [-F <config>]".
func SSHPrefix(host string, port int, configFile string) string {
	parts := []string{"ssh", host}
	if port > 0 {
		parts = append(parts, "-p", strconv.Itoa(port))
	}
	if configFile != "" {
		parts = append(parts, "-F", configFile)
	}
	return strings.Join(parts, " ")
}

// DockerPrefix returns "docker exec <container>".
func DockerPrefix(container string) string {
	return "docker exec " + container
}

// KubectlPrefix returns "kubectl exec <pod> -n <namespace> --".
func KubectlPrefix(pod, namespace string) string {
	return "kubectl exec " + pod + " -n " + namespace + " --"
}

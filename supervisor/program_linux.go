package supervisor

import (
	"os"
	"strconv"
	"strings"
)

// programName returns the kernel's name for the program pid is running, or "" if it cannot be read.
// It is readable for processes of other users and for zombies.
func programName(pid int) string {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}

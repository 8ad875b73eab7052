package build

// Release identifies the build flavor a binary was compiled with. "testing"
// suppresses the stack trace noise that Critical/Severe would otherwise dump
// into test output; DEBUG additionally turns both into panics, which is what
// CI wants and what a production build does not.
var (
	Release = "standard"
	DEBUG   = false
)

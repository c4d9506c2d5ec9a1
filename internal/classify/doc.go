// Package classify provides the HTTP client for the external vision
// classifier. Frames go out as base64 PNG data URIs on an OpenAI-compatible
// chat-completions endpoint; free-form answers come back normalized to
// Yes/No verdicts.
package classify

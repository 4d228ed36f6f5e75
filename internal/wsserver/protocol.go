package wsserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/version"
)

// Request status codes of the remote-control envelope.
const (
	CodeSuccess        = 100
	CodeMissingField   = 300
	CodeInvalidField   = 400
	CodeNotFound       = 600
	CodeUnknownRequest = 204
)

type helloMessage struct {
	Type          string `json:"type"`
	Version       string `json:"version"`
	AuthRequired  bool   `json:"authRequired"`
	Authenticated bool   `json:"authenticated"`
	ClientID      string `json:"clientId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type subscriptionMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

type timestampMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type eventMessage struct {
	Type      string      `json:"type"`
	EventType string      `json:"eventType"`
	EventData interface{} `json:"eventData"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type responseMessage struct {
	Type          string        `json:"type"`
	RequestType   string        `json:"requestType"`
	RequestID     string        `json:"requestId"`
	RequestStatus requestStatus `json:"requestStatus"`
	ResponseData  interface{}   `json:"responseData,omitempty"`
}

// remoteRequests are the emulated remote-control request types, in the
// casing clients send them.
var remoteRequests = map[string]string{
	"getversion":             "GetVersion",
	"getscenelist":           "GetSceneList",
	"setcurrentprogramscene": "SetCurrentProgramScene",
	"getsourcesettings":      "GetSourceSettings",
	"setsourcesettings":      "SetSourceSettings",
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorMessage{Type: "error", Message: "internal encoding error"})
	}
	return b
}

func (s *Server) sendError(c *conn, msg string) {
	c.send(encode(errorMessage{Type: "error", Message: msg}))
}

// field returns the first non-empty string among paths.
func field(msg gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := msg.Get(p); v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

// dispatch handles one inbound text frame.
func (s *Server) dispatch(c *conn, data []byte) {
	if !gjson.ValidBytes(data) {
		s.sendError(c, "malformed message")
		return
	}
	msg := gjson.ParseBytes(data)
	if !msg.IsObject() {
		s.sendError(c, "malformed message")
		return
	}

	typ := field(msg, "type", "op", "requestType", "d.requestType")
	if typ == "" {
		s.sendError(c, "missing message type")
		return
	}
	kind := strings.ToLower(typ)

	switch kind {
	case "auth", "authenticate":
		s.handleAuth(c, msg)
		return
	case "ping":
		c.send(encode(timestampMessage{Type: "pong", Timestamp: s.now().UTC().Format(time.RFC3339Nano)}))
		return
	case "pong":
		c.markPong()
		return
	}

	if !c.isAuthenticated() {
		s.sendError(c, "authentication required")
		return
	}

	switch kind {
	case "subscribe", "unsubscribe":
		events := stringList(msg, "events", "event", "eventTypes")
		current, ok := c.subscribe(events, kind == "subscribe")
		if !ok {
			s.sendError(c, fmt.Sprintf("too many subscriptions (max %d)", MaxSubscriptions))
			return
		}
		c.send(encode(subscriptionMessage{Type: kind + "d", Events: current}))
		return
	}

	requestID := field(msg, "requestId", "d.requestId")
	if name, ok := remoteRequests[kind]; ok {
		c.send(encode(s.handleRequest(name, requestID, msg)))
		return
	}
	if requestID != "" {
		c.send(encode(responseMessage{
			Type:          "response",
			RequestType:   typ,
			RequestID:     requestID,
			RequestStatus: requestStatus{Result: false, Code: CodeUnknownRequest, Comment: "unknown request type"},
		}))
		return
	}
	s.sendError(c, "unknown message type: "+typ)
}

func (s *Server) handleAuth(c *conn, msg gjson.Result) {
	if s.opts.Token == "" {
		c.setAuthenticated()
		c.send(encode(authMessage{Type: "auth", Success: true}))
		return
	}
	token := field(msg, "token", "d.token", "authentication")
	if !security.TokensEqual(token, s.opts.Token) {
		s.logger.Warn("websocket auth failed", "id", c.id)
		c.metrics.IncrementErrors()
		s.sendError(c, "invalid token")
		return
	}
	c.setAuthenticated()
	c.send(encode(authMessage{Type: "auth", Success: true}))
}

// stringList reads a string or an array of strings from the first path that
// exists.
func stringList(msg gjson.Result, paths ...string) []string {
	for _, p := range paths {
		v := msg.Get(p)
		if !v.Exists() {
			continue
		}
		var out []string
		if v.IsArray() {
			for _, item := range v.Array() {
				if s := strings.TrimSpace(item.String()); s != "" {
					out = append(out, s)
				}
			}
		} else if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return out
	}
	return nil
}

func (s *Server) handleRequest(name, requestID string, msg gjson.Result) responseMessage {
	resp := responseMessage{Type: "response", RequestType: name, RequestID: requestID}
	ok := func(data interface{}) responseMessage {
		resp.RequestStatus = requestStatus{Result: true, Code: CodeSuccess}
		resp.ResponseData = data
		return resp
	}
	fail := func(code int, comment string) responseMessage {
		resp.RequestStatus = requestStatus{Result: false, Code: code, Comment: comment}
		return resp
	}

	switch name {
	case "GetVersion":
		return ok(map[string]interface{}{
			"version":           version.Version,
			"platform":          "metricbus",
			"availableRequests": []string{"GetVersion", "GetSceneList", "SetCurrentProgramScene", "GetSourceSettings", "SetSourceSettings"},
		})

	case "GetSceneList":
		current, scenes := s.scenes.list()
		list := make([]map[string]interface{}, len(scenes))
		for i, name := range scenes {
			list[i] = map[string]interface{}{"sceneName": name, "sceneIndex": i}
		}
		return ok(map[string]interface{}{"currentProgramSceneName": current, "scenes": list})

	case "SetCurrentProgramScene":
		scene := field(msg, "sceneName", "requestData.sceneName", "d.requestData.sceneName")
		if scene == "" {
			return fail(CodeMissingField, "missing sceneName")
		}
		changed, found := s.scenes.set(scene)
		if !found {
			return fail(CodeNotFound, "scene not found: "+scene)
		}
		if changed {
			s.announceScene(scene)
		}
		return ok(nil)

	case "GetSourceSettings":
		source := field(msg, "sourceName", "requestData.sourceName", "d.requestData.sourceName")
		if source == "" {
			return fail(CodeMissingField, "missing sourceName")
		}
		settings, found := s.scenes.sourceSettings(source)
		if !found {
			return fail(CodeNotFound, "source not found: "+source)
		}
		return ok(map[string]interface{}{"sourceName": source, "sourceSettings": settings})

	case "SetSourceSettings":
		source := field(msg, "sourceName", "requestData.sourceName", "d.requestData.sourceName")
		if source == "" {
			return fail(CodeMissingField, "missing sourceName")
		}
		raw := firstExisting(msg, "sourceSettings", "requestData.sourceSettings", "d.requestData.sourceSettings")
		if !raw.Exists() {
			return fail(CodeMissingField, "missing sourceSettings")
		}
		if !raw.IsObject() {
			return fail(CodeInvalidField, "sourceSettings must be an object")
		}
		var settings map[string]interface{}
		if err := json.Unmarshal([]byte(raw.Raw), &settings); err != nil {
			return fail(CodeInvalidField, "sourceSettings: "+err.Error())
		}
		overlay := true
		if v := firstExisting(msg, "overlay", "requestData.overlay", "d.requestData.overlay"); v.Exists() {
			overlay = v.Bool()
		}
		s.scenes.setSourceSettings(source, settings, overlay)
		return ok(nil)
	}
	return fail(CodeUnknownRequest, "unknown request type")
}

func firstExisting(msg gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := msg.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// Package server exposes the HTTP handlers: the WebSocket upgrade endpoint,
// the health check and the browser test page.
package server

import (
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler handles WebSocket upgrade requests on the configured route.
// It rejects any method other than GET, upgrades the connection (the upgrader
// answers 400 for a plain GET and 403 for a disallowed origin) and then runs a
// Session for it until the connection terminates.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s.serveSession(conn, r.RemoteAddr)
}

// HealthHandler provides a simple health check endpoint. It answers with a
// plain text status line that includes the number of registered connections,
// as seen by the registry at the time of the request.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "wschat server is running! connections: %d\n", s.registry.Len())
}

var testPage = template.Must(template.New("test").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>wschat test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .system { color: gray; font-style: italic; }
        .error { color: #b00020; }
        .own { color: blue; }
    </style>
</head>
<body>
    <h1>wschat test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" disabled>Send</button>
        <button id="connectButton">Connect</button>
    </div>
    <div id="events"></div>
    <script>
        const route = {{.Route}};
        let ws = null;
        let me = null;
        const eventsDiv = document.getElementById('events');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, cls) {
            const line = document.createElement('div');
            line.className = cls || '';
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handleEvent(ev) {
            switch (ev.action) {
            case 'connect':
                if (me === null) { me = ev.contents; }
                addLine(ev.contents + ' joined', 'system');
                break;
            case 'discconnect':
                addLine(ev.contents + ' left', 'system');
                break;
            case 'error':
                addLine('error: ' + ev.contents, 'error');
                break;
            default:
                addLine(ev.sender + ': ' + ev.contents, ev.sender === me ? 'own' : '');
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + route);
            ws.onopen = function() { updateStatus(true); };
            ws.onmessage = function(event) {
                try { handleEvent(JSON.parse(event.data)); } catch (e) { addLine(event.data, 'error'); }
            };
            ws.onclose = function() { addLine('Connection closed', 'system'); updateStatus(false); ws = null; me = null; };
            ws.onerror = function() { addLine('Connection error', 'error'); };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({contents: text}));
                messageInput.value = '';
            }
        }

        connectButton.addEventListener('click', function() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        });
        sendButton.addEventListener('click', sendMessage);
        messageInput.addEventListener('keypress', function(e) { if (e.key === 'Enter') { sendMessage(); } });
    </script>
</body>
</html>
`))

// TestPageHandler serves an HTML page with a small browser client for manual
// testing. The page connects to the configured WebSocket route on the same
// host and renders chat events and system notices as they arrive.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := testPage.Execute(w, struct{ Route string }{s.cfg.Route}); err != nil {
		s.logger.Warn("Error writing test page", zap.Error(err))
	}
}

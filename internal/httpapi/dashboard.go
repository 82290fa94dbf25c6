package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Vigil Status</title>
  <style>
    :root {
      --ink: #16231f;
      --paper: #f6f7f2;
      --card: #ffffff;
      --line: #d4d9cd;
      --accent: #2d7a5f;
      --warn: #c2483f;
      --muted: #6f7d78;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 24px;
    }
    .shell { max-width: 860px; margin: 0 auto; display: grid; gap: 14px; }
    h1 { margin: 0 0 4px; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.9rem; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .metric { font-size: 1.7rem; font-weight: 600; }
    .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; letter-spacing: 0.06em; }
    .ok { color: var(--accent); }
    .bad { color: var(--warn); }
    #feed { min-height: 120px; font-size: 0.9rem; white-space: pre-wrap; }
    .entry { border-bottom: 1px solid var(--line); padding: 6px 0; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Vigil</h1>
      <div class="sub">change watcher &middot; <span id="account">checking&hellip;</span></div>
    </div>
    <div class="grid">
      <div class="card"><div class="metric" id="tracked">-</div><div class="label">Tracked issues</div></div>
      <div class="card"><div class="metric" id="seen">-</div><div class="label">Seen events</div></div>
      <div class="card"><div class="metric" id="queue">-</div><div class="label">Queue depth</div></div>
      <div class="card"><div class="metric" id="triggers">-</div><div class="label">Active triggers</div></div>
      <div class="card"><div class="metric" id="clients">-</div><div class="label">Stream clients</div></div>
    </div>
    <div class="card">
      <div class="label">Live notifications</div>
      <div id="feed"><span class="sub">waiting for the stream&hellip;</span></div>
    </div>
  </div>
  <script>
    async function refresh() {
      try {
        const res = await fetch('/status');
        const s = await res.json();
        document.getElementById('account').innerHTML = s.connected
          ? '<span class="ok">connected as ' + (s.account || 'unknown') + '</span>'
          : '<span class="bad">no account connected</span>';
        document.getElementById('tracked').textContent = s.trackedIssues;
        document.getElementById('seen').textContent = s.seenEvents;
        document.getElementById('queue').textContent = s.queueDepth + ' / ' + s.queueCapacity;
        document.getElementById('triggers').textContent = s.activeTriggers;
        document.getElementById('clients').textContent = s.streamClients;
      } catch (err) {
        document.getElementById('account').innerHTML = '<span class="bad">status unavailable</span>';
      }
    }
    refresh();
    setInterval(refresh, 5000);

    const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
    const socket = new WebSocket(proto + '//' + location.host + '/notifications/stream');
    const feed = document.getElementById('feed');
    socket.onmessage = (msg) => {
      if (feed.firstChild && feed.firstChild.className === 'sub') feed.innerHTML = '';
      const entry = document.createElement('div');
      entry.className = 'entry';
      entry.textContent = msg.data;
      feed.prepend(entry);
      while (feed.childElementCount > 20) feed.removeChild(feed.lastChild);
    };
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, dashboardHTML)
}

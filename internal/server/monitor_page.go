package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// monitorPageHTML is the live transaction monitor. It seeds from the
// learning log and then follows /ws.
const monitorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Monitor · VerifAI</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --approve: #22c55e; --hold: #eab308; --block: #ef4444; --review: #3b82f6;
        }
        body {
            font-family: -apple-system, 'Segoe UI', sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: ui-monospace, 'SF Mono', monospace; }
        .container { max-width: 900px; margin: 0 auto; padding: 0 24px; }
        header { border-bottom: 1px solid var(--border); padding: 16px 0; position: sticky; top: 0; background: var(--bg); z-index: 100; }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { font-weight: 600; font-size: 15px; }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot { width: 8px; height: 8px; background: var(--text-tertiary); border-radius: 50%; }
        .live-dot.on { background: var(--approve); animation: pulse 2s ease-in-out infinite; }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .stats { display: grid; grid-template-columns: repeat(4, 1fr); gap: 12px; padding: 24px 0; }
        .stat { background: var(--bg-subtle); border: 1px solid var(--border); border-radius: 8px; padding: 14px; }
        .stat-label { color: var(--text-tertiary); font-size: 12px; text-transform: uppercase; }
        .stat-value { font-size: 22px; font-weight: 600; margin-top: 4px; }

        .tx { display: grid; grid-template-columns: 1fr auto; gap: 16px; padding: 16px 0; border-bottom: 1px solid var(--border); }
        .tx.new { animation: slideIn 0.3s ease-out; }
        @keyframes slideIn { from { opacity: 0; transform: translateY(-8px); } to { opacity: 1; transform: translateY(0); } }
        .tx-user { font-weight: 500; }
        .tx-meta { color: var(--text-secondary); font-size: 12px; margin-top: 4px; }
        .tx-right { text-align: right; }
        .decision { display: inline-block; padding: 2px 8px; border-radius: 4px; font-size: 11px; font-weight: 600; }
        .APPROVE { color: var(--approve); border: 1px solid var(--approve); }
        .HOLD { color: var(--hold); border: 1px solid var(--hold); }
        .BLOCK { color: var(--block); border: 1px solid var(--block); }
        .MANUAL_REVIEW { color: var(--review); border: 1px solid var(--review); }
        .prob { font-size: 12px; color: var(--text-tertiary); margin-top: 4px; }
        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }
    </style>
</head>
<body>
    <header><div class="container header-inner">
        <span class="logo">VerifAI</span>
        <div class="live-badge"><span class="live-dot" id="dot"></span><span id="conn">Connecting</span></div>
    </div></header>
    <main class="container">
        <div class="stats">
            <div class="stat"><div class="stat-label">Processed</div><div class="stat-value" id="s-total">0</div></div>
            <div class="stat"><div class="stat-label">Blocked</div><div class="stat-value" id="s-BLOCK">0</div></div>
            <div class="stat"><div class="stat-label">Held</div><div class="stat-value" id="s-HOLD">0</div></div>
            <div class="stat"><div class="stat-label">Review</div><div class="stat-value" id="s-MANUAL_REVIEW">0</div></div>
        </div>
        <div id="feed"><div class="empty">Waiting for transactions...</div></div>
    </main>
    <script>
        const counts = { total: 0, BLOCK: 0, HOLD: 0, MANUAL_REVIEW: 0 };
        const feed = document.getElementById('feed');
        const esc = s => String(s ?? '').replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
        const pct = p => p === null || p === undefined ? 'n/a' : (p * 100).toFixed(1) + '%';

        function bump(decision) {
            counts.total++;
            if (decision in counts) counts[decision]++;
            for (const k in counts) document.getElementById('s-' + k).textContent = counts[k];
        }

        function row(a, fresh) {
            return '<div class="tx' + (fresh ? ' new' : '') + '">' +
                '<div><div class="tx-user mono">' + esc(a.userId) + '</div>' +
                '<div class="tx-meta">' + esc(a.transactionId) + (a.merchant ? ' · ' + esc(a.merchant) : '') +
                (a.amount ? ' · $' + Number(a.amount).toFixed(2) : '') + '</div></div>' +
                '<div class="tx-right"><span class="decision ' + esc(a.decision) + '">' + esc(a.decision) + '</span>' +
                '<div class="prob mono">' + pct(a.fraudProbability) + (a.riskLevel ? ' · ' + esc(a.riskLevel) : '') + '</div></div>' +
            '</div>';
        }

        function add(a, fresh) {
            if (feed.querySelector('.empty')) feed.innerHTML = '';
            feed.insertAdjacentHTML('afterbegin', row(a, fresh));
            while (feed.children.length > 200) feed.removeChild(feed.lastChild);
            bump(a.decision);
        }

        fetch('/api/v1/learning?limit=100').then(r => r.json()).then(data => {
            (data.records || []).forEach(r => add(r, false));
        });

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws');
            ws.onopen = () => { document.getElementById('dot').classList.add('on'); document.getElementById('conn').textContent = 'Live'; };
            ws.onclose = () => {
                document.getElementById('dot').classList.remove('on');
                document.getElementById('conn').textContent = 'Reconnecting';
                setTimeout(connect, 2000);
            };
            ws.onmessage = ev => {
                const msg = JSON.parse(ev.data);
                if (msg.type === 'assessment') add(msg.data, true);
            };
        }
        connect();
    </script>
</body>
</html>`

func monitorPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, monitorPageHTML)
}

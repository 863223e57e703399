package httpapi

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/jkaninda/isolab/internal/hostinfo"
	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/sandbox"
)

// handleDashboard renders the lab table. The page carries the session's
// CSRF token; row actions and the create form call the JSON API with it,
// and the WebSocket feed keeps the table current.
func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := g.sessionFrom(r)
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	data := dashboardData{
		User:  sess.User,
		CSRF:  sess.CSRF,
		Modes: modeOptions(),
	}

	labs, err := g.labs.List(r.Context())
	if err != nil {
		g.logger.Error("listing labs for dashboard failed",
			slog.String("correlation_id", correlationID(r.Context())),
			slog.String("error", err.Error()),
		)
		data.Error = "Container engine unreachable"
	}
	data.Labs = labs

	if g.host != nil {
		host := g.host.Collect()
		data.Host = &host
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		g.logger.Error("rendering dashboard failed", slog.String("error", err.Error()))
	}
}

// renderLogin writes the login page with an optional inline message.
func (g *Gateway) renderLogin(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTmpl.Execute(w, loginData{Message: message}); err != nil {
		g.logger.Error("rendering login page failed", slog.String("error", err.Error()))
	}
}

type dashboardData struct {
	User  string
	CSRF  string
	Labs  []sandbox.Lab
	Host  *hostinfo.Host
	Modes []modeOption
	Error string
}

type loginData struct {
	Message string
}

type modeOption struct {
	Value string
	Label string
}

func modeOptions() []modeOption {
	modes := netmode.All()
	opts := make([]modeOption, len(modes))
	for i, m := range modes {
		opts[i] = modeOption{Value: m.String(), Label: m.Display()}
	}
	return opts
}

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>isolab — login</title>
<style>
body{background:#0d1117;color:#c9d1d9;font-family:ui-monospace,monospace;display:flex;justify-content:center;padding-top:12vh}
form{background:#161b22;border:1px solid #30363d;border-radius:6px;padding:2rem;width:280px}
h1{font-size:1.1rem;margin:0 0 1rem;color:#58a6ff}
input{display:block;width:100%;box-sizing:border-box;margin-bottom:.8rem;padding:.5rem;background:#0d1117;color:#c9d1d9;border:1px solid #30363d;border-radius:4px}
button{width:100%;padding:.5rem;background:#238636;color:#fff;border:0;border-radius:4px;cursor:pointer}
.msg{color:#f85149;font-size:.85rem;margin-bottom:.8rem}
</style>
</head>
<body>
<form method="post" action="/login">
<h1>&gt; isolab</h1>
{{if .Message}}<div class="msg">{{.Message}}</div>{{end}}
<input name="username" placeholder="username" autocomplete="username" autofocus>
<input name="password" type="password" placeholder="password" autocomplete="current-password">
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="csrf-token" content="{{.CSRF}}">
<title>isolab</title>
<style>
body{background:#0d1117;color:#c9d1d9;font-family:ui-monospace,monospace;margin:0;padding:1.5rem}
header{display:flex;justify-content:space-between;align-items:baseline;margin-bottom:1rem}
h1{font-size:1.2rem;margin:0;color:#58a6ff}
a{color:#8b949e}
.host{color:#8b949e;font-size:.8rem;margin-bottom:1rem}
.error{color:#f85149;margin-bottom:1rem}
table{border-collapse:collapse;width:100%;font-size:.85rem}
th,td{text-align:left;padding:.4rem .8rem;border-bottom:1px solid #21262d}
th{color:#8b949e;font-weight:normal}
.running{color:#3fb950}
.stopped{color:#f85149}
button{background:#21262d;color:#c9d1d9;border:1px solid #30363d;border-radius:4px;padding:.2rem .6rem;cursor:pointer;margin-right:.2rem}
form.create{margin:1rem 0;display:flex;gap:.5rem}
form.create input,form.create select{background:#0d1117;color:#c9d1d9;border:1px solid #30363d;border-radius:4px;padding:.3rem .5rem}
.nuke{color:#f85149;border-color:#f85149}
</style>
</head>
<body>
<header>
<h1>&gt; isolab</h1>
<div>{{.User}} · <a href="/logout">logout</a></div>
</header>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
{{if .Host}}<div class="host" id="host">disk {{.Host.DiskUsed}}/{{.Host.DiskTotal}} ({{.Host.DiskPct}}) · mem {{.Host.MemUsedGB}}/{{.Host.MemTotalGB}} GB ({{.Host.MemPct}}) · load {{.Host.Load}} · {{.Host.Hostname}}</div>{{end}}
<form class="create" id="create">
<input name="name" placeholder="lab name" required>
<select name="network">
{{range .Modes}}<option value="{{.Value}}">{{.Label}}</option>{{end}}
</select>
<button type="submit">Create</button>
<button type="button" class="nuke" id="nuke">Nuke all</button>
</form>
<table>
<thead><tr><th>Name</th><th>Status</th><th>SSH</th><th>Network</th><th>Created</th><th>CPU</th><th>Mem</th><th></th></tr></thead>
<tbody id="labs">
{{range .Labs}}<tr>
<td>{{.Name}}</td>
<td class="{{.Status}}">{{.Status}}</td>
<td>{{.SSHPort}}</td>
<td>{{.Network}}</td>
<td>{{.Created}}</td>
<td>{{.CPU}}</td>
<td>{{.Memory}}</td>
<td>
<button onclick="act('{{.Name}}','start')">start</button>
<button onclick="act('{{.Name}}','stop')">stop</button>
<button onclick="act('{{.Name}}','restart')">restart</button>
<button onclick="act('{{.Name}}','remove')">remove</button>
</td>
</tr>{{end}}
</tbody>
</table>
<script>
const csrf = document.querySelector('meta[name=csrf-token]').content;
function esc(s){const d=document.createElement('div');d.textContent=s;return d.innerHTML;}
async function post(path, body){
  const res = await fetch(path, {method:'POST', headers:{'X-CSRF-Token':csrf,'Content-Type':'application/json'}, body: body?JSON.stringify(body):null});
  const data = await res.json();
  if(!res.ok) alert(data.error || 'request failed');
  return data;
}
function act(name, op){ post('/api/lab/'+encodeURIComponent(name)+'/'+op); }
document.getElementById('create').addEventListener('submit', async e => {
  e.preventDefault();
  const f = new FormData(e.target);
  const data = await post('/api/lab/create', {name:f.get('name'), network:f.get('network')});
  if(data.ok && data.warning) alert(data.warning);
  e.target.reset();
});
document.getElementById('nuke').addEventListener('click', () => {
  if(confirm('Destroy ALL labs? This cannot be undone.')) post('/api/lab/nuke');
});
function render(labs){
  document.getElementById('labs').innerHTML = labs.map(l =>
    '<tr><td>'+esc(l.name)+'</td><td class="'+esc(l.status)+'">'+esc(l.status)+'</td><td>'+esc(l.ssh_port)+
    '</td><td>'+esc(l.network)+'</td><td>'+esc(l.created)+'</td><td>'+esc(l.cpu)+'</td><td>'+esc(l.memory)+'</td><td>'+
    ['start','stop','restart','remove'].map(op => '<button onclick="act(\''+esc(l.name)+'\',\''+op+'\')">'+op+'</button>').join('')+
    '</td></tr>').join('');
}
const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
const feed = new WebSocket(proto + '//' + location.host + '/ws/labs');
feed.onmessage = e => render(JSON.parse(e.data));
</script>
</body>
</html>
`))

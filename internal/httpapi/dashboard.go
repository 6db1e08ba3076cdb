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
  <title>Order Desk</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: "IBM Plex Sans", system-ui, sans-serif; color: var(--ink); background: var(--paper); }
    header { display: flex; gap: 1rem; align-items: center; padding: 1rem 1.5rem; border-bottom: 1px solid var(--line); }
    header h1 { font-size: 1.2rem; margin: 0 auto 0 0; }
    .badge { padding: .3rem .7rem; border-radius: 999px; background: var(--card); border: 1px solid var(--line); }
    .badge.live { border-color: var(--accent); }
    .badge.past { border-color: var(--accent-2); }
    main { padding: 1.5rem; display: grid; gap: 1rem; }
    input { padding: .4rem .6rem; border: 1px solid var(--line); border-radius: 6px; }
    table { width: 100%; border-collapse: collapse; background: var(--card); }
    th, td { text-align: left; padding: .45rem .6rem; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 500; }
    nav button { border: 1px solid var(--line); background: var(--card); padding: .4rem .8rem; cursor: pointer; }
    nav button.active { background: var(--ink); color: var(--paper); }
  </style>
</head>
<body>
  <header>
    <h1 id="viewer">Order Desk</h1>
    <span class="badge live" id="live-count">live: -</span>
    <span class="badge past" id="past-count">past: -</span>
  </header>
  <main>
    <nav>
      <button data-partition="live" class="active">Live</button>
      <button data-partition="past">Past</button>
      <input id="search" placeholder="order, customer, dispatcher" />
    </nav>
    <table>
      <thead><tr><th>Order</th><th>Customer</th><th>Dispatcher</th><th>Status</th><th>Updated</th></tr></thead>
      <tbody id="rows"></tbody>
    </table>
  </main>
  <script>
    (() => {
      const state = { partition: "live" };
      const rows = document.getElementById("rows");
      const search = document.getElementById("search");

      async function getJSON(path) {
        const res = await fetch(path, { headers: { "X-Correlation-Id": "dash_" + Date.now() } });
        if (!res.ok) throw new Error(res.status + " " + path);
        return res.json();
      }

      function cell(text) {
        const td = document.createElement("td");
        td.textContent = text || "";
        return td;
      }

      async function refresh() {
        try {
          const counts = await getJSON("/v1/counts");
          document.getElementById("viewer").textContent = "Order Desk: " + counts.viewer;
          document.getElementById("live-count").textContent = "live: " + counts.live;
          document.getElementById("past-count").textContent = "past: " + counts.past;
          const q = encodeURIComponent(search.value.trim());
          const data = await getJSON("/v1/partitions/" + state.partition + "?limit=500&search=" + q);
          rows.replaceChildren(...data.orders.map((order) => {
            const tr = document.createElement("tr");
            tr.append(cell(order.order_number), cell(order.customer_name), cell(order.dispatcher_name),
              cell(order.order_status), cell(order.lastUpdatedTimestamp || order.updatedAt));
            return tr;
          }));
        } catch (err) {
          console.warn(err);
        }
      }

      document.querySelectorAll("nav button").forEach((btn) => {
        btn.addEventListener("click", () => {
          document.querySelectorAll("nav button").forEach((b) => b.classList.remove("active"));
          btn.classList.add("active");
          state.partition = btn.dataset.partition;
          refresh();
        });
      });
      search.addEventListener("input", refresh);
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}

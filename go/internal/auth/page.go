package auth

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .OK}}Login successful{{else}}Login failed{{end}}</title>
<style>
body { font-family: sans-serif; background: #18181b; color: #efeff1; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
.box { text-align: center; }
h1 { color: {{if .OK}}#00f593{{else}}#eb0400{{end}}; }
</style>
</head>
<body>
<div class="box">
<h1>{{if .OK}}Login successful{{else}}Login failed{{end}}</h1>
<p>{{.Message}}</p>
</div>
</body>
</html>
`))

func renderCallback(w http.ResponseWriter, err error) {
	data := struct {
		OK      bool
		Message string
	}{
		OK:      err == nil,
		Message: "You can close this window and return to the app.",
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadRequest
		data.Message = err.Error()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("failed to render callback page")
	}
}

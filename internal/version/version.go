package version

import "fmt"

// Значения подставляются при сборке:
// -ldflags "-X github.com/vladislavdragonenkov/orderhub/internal/version.version=v1.2.0"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// BuildInfo описывает собранный бинарник.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// Get возвращает информацию о сборке одной структурой.
func Get() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, Date: date}
}

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent возвращает значение User-Agent для исходящих запросов утилит.
func UserAgent(component string) string {
	return fmt.Sprintf("orderhub-%s/%s", component, version)
}

package statusserver

import "github.com/shirou/gopsutil/v4/host"

// PlatformUser is a logged-in OS session, surfaced to the helper so it can
// decide which desktop session to attach a notification to.
type PlatformUser struct {
	User     string `json:"user"`
	Terminal string `json:"terminal"`
	Host     string `json:"host"`
	StartedS uint64 `json:"started"`
}

func platformUsers() ([]PlatformUser, error) {
	stats, err := host.Users()
	if err != nil {
		return nil, err
	}

	users := make([]PlatformUser, 0, len(stats))
	for _, s := range stats {
		users = append(users, PlatformUser{
			User:     s.User,
			Terminal: s.Terminal,
			Host:     s.Host,
			StartedS: s.Started,
		})
	}
	return users, nil
}

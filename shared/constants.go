package shared

const (
	MEDIA_TYPE_MOVIE   = "movie"
	MEDIA_TYPE_EPISODE = "episode"

	DEVICE_KIND_MOBILE   = "mobile"
	DEVICE_KIND_DESKTOP  = "desktop-browser"
	DEVICE_KIND_TV       = "tv"
	DEVICE_KIND_EXTERNAL = "external-player-bridge"

	USER_AGENT = "Huddle/1.0 <github.com/huddle-app/huddle>"
)

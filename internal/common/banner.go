package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner
func PrintBanner(name string) {
	banner.New().PrintText(name + " " + GetVersion())
}

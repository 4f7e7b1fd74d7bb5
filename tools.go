//go:build tools

package chatsync

import (
	_ "go.uber.org/mock/mockgen"
)

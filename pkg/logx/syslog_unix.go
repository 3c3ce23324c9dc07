//go:build !windows

package logx

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// initSyslog attaches a syslog hook on Unix systems (RutOS/OpenWrt)
func (l *Logger) initSyslog(tag string) bool {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return false
	}
	l.entry.Logger.AddHook(hook)
	return true
}

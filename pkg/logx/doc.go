// Package logx is a small zerolog wrapper with live-reconfigurable sinks.
//
// Components hold a Logger value; the Service behind it can swap level and
// outputs at runtime (config reload) without anyone re-wiring their logger.
package logx

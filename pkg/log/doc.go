/*
Package log provides structured logging for nodepool using zerolog.

A single global logger is initialized once at process start via Init;
components derive child loggers with WithComponent, WithInstance,
WithResource and WithHolder so every line carries the coordinates of the
slot or lock it concerns.
*/
package log

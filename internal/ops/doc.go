// Package ops implements the operations an agent can perform on its host
// machine. The same Runner backs both transports: the agent's local HTTP
// server and requests arriving over the duplex channel.
//
// Supported operations:
//
//	fs.list  {path}              list a directory
//	fs.read  {path}              read a file as a string
//	fs.write {path, content}     write a file, creating parents
//	exec.run {command, timeout?} run a shell command, capturing output
//
// A non-zero exit status from exec.run is reported in the result, not as an
// error; only failures to run the command at all (or a timeout) are errors.
package ops

// Command vidforge is the operator CLI. It talks to the vidforged daemon over
// its HTTP API.
package main

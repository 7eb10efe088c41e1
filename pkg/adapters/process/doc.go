/*
Package process runs external commands as node bodies and loads graphs of
them from YAML or JSON files.

Commands are allow-listed by name; inline commands need
WithInlineExecution. Inputs reach the process as WEFT_IN_<NAME> environment
variables, never as arguments. A node with an ask entry becomes a two-stage
wait whose reply is its output.
*/
package process

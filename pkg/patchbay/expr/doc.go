/*
Package expr evaluates the small condition language used by envelope
definitions to decide when to fire attack and release.

# Expression Syntax

	<expr> := <comparison>
	        | <expr> 'or' <expr>
	        | <expr> 'and' <expr>
	        | 'not' <expr>
	        | '!' <expr>
	        | <value>

	<comparison> := <value> <op> <value>
	<op> := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains'
	<value> := 'string' | "string" | number | true | false | null | identifier

'or' binds loosest, then 'and', then the prefix negations.

# Variables

Conditions are evaluated against a Vars table. Scope builds one from an
instance after a tick:

	state.<key>    the instance's new state bag
	inputs.<port>  this tick's resolved inputs
	params.<id>    current parameter values
	<key>          shorthand for state.<key>

So an envelope declared as

	envelope:
	  attack: gate
	  release: not gate

fires attack when state.gate turns truthy and release when it turns falsy.

# Truthiness

A bare value is true unless it is null, false, zero, NaN or the empty
string. A bare identifier missing from Vars is unset and therefore false,
and an unset state., inputs. or params. reference resolves to null in
comparisons. Other unquoted identifiers in comparisons are read as strings,
so mode == idle compares state.mode against the text "idle".
*/
package expr

// Package simulation hosts simulated DA servers for tests, demos and the
// opcda-sim binary.
//
// A Config lists servers and their items. Every item has a signal:
//
//	static    keeps its value until a client writes it
//	random    uniform values in [min, max]
//	ramp      saw-tooth from min to max over period
//	sine      sine between min and max
//	square    max for the first half period, min for the second
//	triangle  min to max and back over period
//	modbus    mirrors holding registers of a Modbus TCP device
//
// Example configuration:
//
//	servers:
//	  - prog_id: Plant.Sim.1
//	    vendor: Plant simulation
//	    items:
//	      - id: Line1.Speed
//	        type: float32
//	        signal: sine
//	        min: 0
//	        max: 1500
//	        period: 30s
//	        rate: 250ms
//	        eu_units: rpm
//	      - id: Line1.Setpoint
//	        type: int32
//	        access: rw
//	        signal: modbus
//	        endpoint: 10.0.0.12:502
//	        unit_id: 1
//	        register: 100
//
// Modbus items are polled at their rate; client writes to writable Modbus
// items are written back with WriteSingleRegister for one-register types
// and WriteMultipleRegisters otherwise. Multi-register values are big-endian
// with the high word first.
package simulation
